// Package health exposes liveness and readiness probes for the gateway and
// worker processes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crdtsync/yredis-go/internal/logging"
)

// Pinger is satisfied by the redis stream client; Readiness fails if it errors.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WritabilityChecker is satisfied by the storage driver; Readiness fails if
// it errors.
type WritabilityChecker interface {
	CheckWritable(ctx context.Context) error
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	redis   Pinger
	storage WritabilityChecker
}

// NewHandler builds a Handler. storage may be nil, in which case the storage
// check is skipped (useful for a worker-only deployment that doesn't persist).
func NewHandler(redis Pinger, storage WritabilityChecker) *Handler {
	return &Handler{redis: redis, storage: storage}
}

// LivenessResponse is the /health/live body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the /health/ready body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness always reports alive; it never checks dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports 503 if the redis stream or storage backend is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.storage != nil {
		storageStatus := h.checkStorage(ctx)
		checks["storage"] = storageStatus
		if storageStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redis == nil {
		return "healthy"
	}
	if err := h.redis.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed")
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkStorage(ctx context.Context) string {
	if err := h.storage.CheckWritable(ctx); err != nil {
		logging.Error(ctx, "storage health check failed")
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON gives ReadinessResponse a stable field order in emitted JSON.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct{ *Alias }{Alias: (*Alias)(&r)})
}
