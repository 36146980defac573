// Command worker runs the per-task pipeline over the tasks stream:
// idempotency enforcement, circuit breaking, bounded-timeout handler
// execution, and retry-with-backoff or dead-letter routing. Handlers must be
// registered in-process before Run starts; this binary registers the demo
// builtins (echo, fail-always, sleep) used by the end-to-end scenarios.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mentatlab/dagflow/internal/bootstrap"
	"github.com/mentatlab/dagflow/internal/config"
	"github.com/mentatlab/dagflow/internal/handler"
	"github.com/mentatlab/dagflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := bootstrap.Tracing(ctx, "dagflow-worker", cfg, logger)
	if err != nil {
		logger.Error("tracing init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	store := bootstrap.StateStore(cfg, logger)
	defer store.Close()
	dlqStore := bootstrap.DLQStore(ctx, cfg, logger)

	registry := handler.NewMemoryRegistry()
	if err := handler.RegisterBuiltins(registry); err != nil {
		logger.Error("register builtin handlers failed", "error", err)
		os.Exit(1)
	}

	obs := bootstrap.ServeObservability(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	w := worker.New(store, registry, dlqStore, worker.Config{
		MaxRetries:        cfg.WorkerMaxRetries,
		RetryBase:         cfg.WorkerRetryBase,
		RetryCap:          cfg.WorkerRetryCap,
		RetryJitter:       cfg.WorkerRetryJitter,
		HandlerTimeout:    cfg.HandlerTimeout,
		BatchSize:         cfg.WorkerBatchSize,
		BlockMs:           cfg.WorkerBlockMs,
		CBThreshold:       cfg.CBThreshold,
		CBOpenTimeout:     cfg.CBOpenTimeout,
		IdempotencyTTL:    time.Hour,
		TasksStream:       config.TasksStream,
		CompletionsStream: config.CompletionsStream,
		Group:             config.WorkerGroup,
	}, logger)

	logger.Info("starting worker",
		slog.Int("max_retries", cfg.WorkerMaxRetries),
		slog.Duration("handler_timeout", cfg.HandlerTimeout),
		slog.Any("handlers", registry.Names()),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}
