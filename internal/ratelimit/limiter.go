// Package ratelimit guards the websocket upgrade route: a per-IP limit
// applied before authentication, and a per-user limit applied once AuthCheck
// has resolved a user id.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/metrics"
)

// Limiter enforces the two websocket connect limits named in the config:
// RateLimitWsIP and RateLimitWsUser.
type Limiter struct {
	wsIP   *limiter.Limiter
	wsUser *limiter.Limiter
}

// New builds a Limiter. When redisClient is nil the limiter falls back to an
// in-memory store, which is only correct for a single-gateway dev setup
// since it doesn't share state across processes.
func New(redisClient *redis.Client, ipRate, userRate string) (*Limiter, error) {
	ipFormatted, err := limiter.NewRateFromFormatted(ipRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws IP rate: %w", err)
	}
	userFormatted, err := limiter.NewRateFromFormatted(userRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "yredis:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store, state not shared across gateways")
	}

	return &Limiter{
		wsIP:   limiter.New(store, ipFormatted),
		wsUser: limiter.New(store, userFormatted),
	}, nil
}

// CheckIP enforces the per-IP connect limit. It fails open on a store error
// and writes the 429 response itself when the limit is reached.
func (l *Limiter) CheckIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	res, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed for ip check")
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(res.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}

// CheckUser enforces the per-user connect limit, to be called once AuthCheck
// has resolved a user id, before the upgrade completes.
func (l *Limiter) CheckUser(ctx context.Context, userID string) error {
	res, err := l.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed for user check")
		return nil
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}
