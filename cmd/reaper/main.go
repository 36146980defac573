// Command reaper periodically reclaims stalled in-flight messages from both
// the tasks and completions streams' pending-entry lists and republishes
// them, routing permanently poisoned messages to dead-letter instead of
// looping forever. It never inspects business state, only broker pending-
// entry metadata.
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
	"github.com/mentatlab/dagflow/internal/reaper"
)

func main() {
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := bootstrap.Tracing(ctx, "dagflow-reaper", cfg, logger)
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

	obs := bootstrap.ServeObservability(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	r := reaper.New(store, dlqStore, reaper.Config{
		CheckInterval:     cfg.ReaperCheckInterval,
		MinIdleMs:         cfg.ReaperMinIdleMs,
		BatchSize:         cfg.ReaperBatchSize,
		MaxReclaims:       cfg.ReaperMaxReclaims,
		TasksStream:       config.TasksStream,
		CompletionsStream: config.CompletionsStream,
		OrchestratorGroup: config.OrchestratorGroup,
		WorkerGroup:       config.WorkerGroup,
	}, logger)

	logger.Info("starting reaper",
		slog.Duration("check_interval", cfg.ReaperCheckInterval),
		slog.Int64("min_idle_ms", cfg.ReaperMinIdleMs),
		slog.Int("max_reclaims", cfg.ReaperMaxReclaims),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("reaper run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("reaper stopped")
}
