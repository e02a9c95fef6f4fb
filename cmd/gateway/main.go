// Command gateway runs the websocket fan-out server: accepts client
// connections, performs handshake/auth, and relays messages between
// clients and the shared Redis-stream log.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/auth"
	"github.com/crdtsync/yredis-go/internal/config"
	"github.com/crdtsync/yredis-go/internal/gateway"
	"github.com/crdtsync/yredis-go/internal/health"
	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/middleware"
	"github.com/crdtsync/yredis-go/internal/ratelimit"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/subscription"
	"github.com/crdtsync/yredis-go/internal/tracing"
)

const maxRoomStreamLen = 10_000

func main() {
	os.Exit(run())
}

func run() int {
	for _, path := range []string{".env", "../.env", "../../.env"} {
		_ = godotenv.Load(path)
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		println("fatal: " + err.Error())
		return 1
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		println("fatal: failed to initialize logger: " + err.Error())
		return 1
	}
	ctx := context.Background()

	shutdownTracing, err := tracing.InitTracer(ctx, "yredis-gateway", cfg.OtelCollectorAddr)
	if err != nil {
		logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	streamClient, err := redisstream.New(cfg.RedisURL, "", 0, cfg.RedisPrefix)
	if err != nil {
		logging.Error(ctx, "failed to connect to redis", zap.Error(err))
		return 2
	}
	defer streamClient.Close()

	driver, err := buildStorageDriver(cfg)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize storage driver", zap.Error(err))
		return 1
	}

	api := apiclient.New(streamClient, driver, maxRoomStreamLen, cfg.Tunables.RedisMinMessageLifetime)
	table := subscription.NewTable(streamClient, api, cfg.Tunables.ReadBlockMs)
	defer table.Stop()

	checker := buildAuthChecker(ctx, cfg)

	limiter, err := ratelimit.New(streamClient.Underlying(), cfg.RateLimitWsIP, cfg.RateLimitWsUser)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize rate limiter", zap.Error(err))
		return 1
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	hub := gateway.NewHub(checker, limiter, table, api, allowedOrigins)
	healthHandler := health.NewHandler(streamClient, driver)

	router := gin.Default()
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	router.GET("/:room", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logging.Info(ctx, "gateway listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "gateway server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "gateway forced shutdown", zap.Error(err))
	}
	return 0
}

func buildStorageDriver(cfg *config.Config) (storage.Driver, error) {
	switch cfg.Storage {
	case "memory", "filesystem", "":
		return storage.NewFilesystemDriver(cfg.StorageDir)
	default:
		return storage.NewFilesystemDriver(cfg.StorageDir)
	}
}

func buildAuthChecker(ctx context.Context, cfg *config.Config) auth.Checker {
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication DISABLED for development, do not use in production")
		return auth.DevChecker{}
	}

	checker, err := auth.NewJWKSChecker(ctx, cfg.AuthPublicKey)
	if err != nil {
		logging.Fatal(ctx, "failed to build auth checker", zap.Error(err))
	}
	return checker
}
