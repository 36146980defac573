// Package bootstrap holds the process wiring shared by the orchestrator,
// worker, and reaper binaries: structured logging, tracing, and state/
// definition/dead-letter store construction with a Redis-or-memory fallback.
package bootstrap

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mentatlab/dagflow/internal/config"
	"github.com/mentatlab/dagflow/internal/defstore"
	"github.com/mentatlab/dagflow/internal/dlq"
	"github.com/mentatlab/dagflow/internal/statestore"
	"github.com/mentatlab/dagflow/internal/tracing"
)

// Logger builds the slog.Logger per cfg.LogFormat/cfg.LogLevel and installs
// it as the process default.
func Logger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var h slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// Tracing initializes the OpenTelemetry provider for serviceName per cfg.
func Tracing(ctx context.Context, serviceName string, cfg *config.Config, logger *slog.Logger) (*tracing.Provider, error) {
	return tracing.Init(ctx, &tracing.Config{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.TracingEndpoint,
		Enabled:      cfg.TracingEnabled,
		SampleRate:   cfg.TracingSampleRate,
	}, logger)
}

// StateStore connects to Redis per cfg, falling back to an in-process memory
// store (with a warning) when the connection cannot be established.
func StateStore(cfg *config.Config, logger *slog.Logger) statestore.Store {
	redisCfg := &statestore.RedisConfig{
		URL:         cfg.RedisURL,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Prefix:      cfg.StatePrefix,
		TerminalTTL: cfg.TerminalTTL,
	}
	store, err := statestore.NewRedisStore(redisCfg)
	if err != nil {
		logger.Warn("redis state store unavailable, falling back to in-memory store", "error", err)
		return statestore.Instrument(statestore.NewMemoryStore())
	}
	logger.Info("connected to redis state store", "url", cfg.RedisURL)
	return statestore.Instrument(store)
}

// DefStore connects the definition repository: a Redis hot-path copy,
// optionally wrapped with an S3 cold-store archiver, falling back to an
// in-process memory store when Redis is unavailable.
func DefStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) defstore.Store {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis url, falling back to in-memory definition store", "error", err)
		return defstore.NewMemoryStore()
	}
	opts.Password = cfg.RedisPassword
	opts.DB = cfg.RedisDB
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, falling back to in-memory definition store", "error", err)
		return defstore.NewMemoryStore()
	}

	var store defstore.Store = defstore.NewRedisStore(client, cfg.StatePrefix)
	if cfg.S3Enabled {
		archiver, err := defstore.NewS3Archiver(ctx, store, &defstore.S3Config{
			Endpoint: cfg.S3Endpoint,
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			UseSSL:   cfg.S3UseSSL,
		})
		if err != nil {
			logger.Warn("s3 archiver unavailable, continuing with redis-only definition store", "error", err)
		} else {
			store = archiver
			logger.Info("definition archival to s3 enabled", "bucket", cfg.S3Bucket)
		}
	}
	return store
}

// DLQStore connects the dead-letter repository, sharing the same Redis
// connection parameters as DefStore, falling back to memory.
func DLQStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) dlq.Store {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis url, falling back to in-memory dead-letter store", "error", err)
		return dlq.NewMemoryStore()
	}
	opts.Password = cfg.RedisPassword
	opts.DB = cfg.RedisDB
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, falling back to in-memory dead-letter store", "error", err)
		return dlq.NewMemoryStore()
	}
	return dlq.NewRedisStore(client, cfg.StatePrefix)
}

// ServeObservability starts a minimal HTTP server exposing /healthz and
// /metrics, the only inbound HTTP surface this module carries — everything
// else an operator-facing gateway would add (routing, auth, rate limiting)
// is explicitly out of scope.
func ServeObservability(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("observability server error", "error", err)
		}
	}()
	return srv
}
