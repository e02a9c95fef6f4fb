// Package config validates process environment variables into a Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/crdtsync/yredis-go/internal/types"
)

// Config holds validated environment configuration shared by the gateway and
// worker entry points.
type Config struct {
	// Required
	Port     string
	RedisURL string

	// Optional, with defaults
	RedisPrefix    string
	Storage        string
	StorageDir     string
	LogLevel       string
	GoEnv          string
	AuthPublicKey  string
	SkipAuth       bool
	AllowedOrigins string

	RateLimitWsIP   string
	RateLimitWsUser string

	OtelCollectorAddr string

	Tunables types.Tunables
}

// ValidateEnv validates all required environment variables and returns a
// Config, collecting every violation before returning one error so operators
// see the whole list at once.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		errs = append(errs, "REDIS_URL is required")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.AuthPublicKey = os.Getenv("AUTH_PUBLIC_KEY")
	if !cfg.SkipAuth && cfg.AuthPublicKey == "" {
		errs = append(errs, "AUTH_PUBLIC_KEY is required unless SKIP_AUTH=true")
	}

	cfg.RedisPrefix = getEnvOrDefault("REDIS_PREFIX", "y")
	cfg.Storage = getEnvOrDefault("STORAGE", "memory")
	cfg.StorageDir = getEnvOrDefault("STORAGE_DIR", "./data/snapshots")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.Tunables = types.DefaultTunables()
	if v, err := getDurationEnv("REDIS_MIN_MESSAGE_LIFETIME_MS"); err != nil {
		errs = append(errs, err.Error())
	} else if v > 0 {
		cfg.Tunables.RedisMinMessageLifetime = v
	}
	if v, err := getDurationEnv("REDIS_WORKER_TIMEOUT_MS"); err != nil {
		errs = append(errs, err.Error())
	} else if v > 0 {
		cfg.Tunables.RedisWorkerTimeout = v
	}

	if cfg.Tunables.RedisWorkerTimeout <= cfg.Tunables.RedisMinMessageLifetime {
		errs = append(errs, "REDIS_WORKER_TIMEOUT_MS must exceed REDIS_MIN_MESSAGE_LIFETIME_MS")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func getDurationEnv(key string) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer number of milliseconds (got %q)", key, raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"storage", cfg.Storage,
		"redis_prefix", cfg.RedisPrefix,
		"log_level", cfg.LogLevel,
		"skip_auth", cfg.SkipAuth,
		"redis_min_message_lifetime", cfg.Tunables.RedisMinMessageLifetime,
		"redis_worker_timeout", cfg.Tunables.RedisWorkerTimeout,
	)
}
