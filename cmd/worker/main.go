// Command worker runs the durability compactor pool: drains dirty rooms
// from the shared worker queue, merges snapshot + stream tail, and writes
// a fresh snapshot.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/config"
	"github.com/crdtsync/yredis-go/internal/health"
	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/redisstream"
	"github.com/crdtsync/yredis-go/internal/storage"
	"github.com/crdtsync/yredis-go/internal/tracing"
	"github.com/crdtsync/yredis-go/internal/worker"
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
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracer(ctx, "yredis-worker", cfg.OtelCollectorAddr)
	if err != nil {
		logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = shutdownTracing(shutdownCtx)
	}()

	streamClient, err := redisstream.New(cfg.RedisURL, "", 0, cfg.RedisPrefix)
	if err != nil {
		logging.Error(ctx, "failed to connect to redis", zap.Error(err))
		return 2
	}
	defer streamClient.Close()

	driver, err := storage.NewFilesystemDriver(cfg.StorageDir)
	if err != nil {
		logging.Fatal(ctx, "failed to initialize storage driver", zap.Error(err))
		return 1
	}

	api := apiclient.New(streamClient, driver, maxRoomStreamLen, cfg.Tunables.RedisMinMessageLifetime)

	consumerID := fmt.Sprintf("worker-%s", uuid.New().String())
	w := worker.New(consumerID, streamClient, api, driver, cfg.Tunables)

	go w.Run(ctx)
	logging.Info(ctx, "worker running", zap.String("consumer_id", consumerID))

	healthHandler := health.NewHandler(streamClient, nil)
	router := gin.Default()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "worker health server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "worker shutting down")

	cancel()
	w.Stop()
	_ = srv.Close()
	return 0
}
