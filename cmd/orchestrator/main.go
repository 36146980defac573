// Command orchestrator runs the evaluation transaction over the completions
// stream: fan-in serialization, template resolution, and dispatch. It never
// executes a handler itself and exposes no inbound API beyond /healthz and
// /metrics — submission and cancellation are in-process Orchestrator method
// calls, invoked by whatever external collaborator (e.g. an HTTP gateway)
// this module's scope excludes.
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
	"github.com/mentatlab/dagflow/internal/orchestrator"
)

func main() {
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := bootstrap.Tracing(ctx, "dagflow-orchestrator", cfg, logger)
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
	defs := bootstrap.DefStore(ctx, cfg, logger)
	defer defs.Close()

	obs := bootstrap.ServeObservability(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	orch := orchestrator.New(store, defs, orchestrator.Config{
		BatchSize:               cfg.OrchestratorBatchSize,
		BlockMs:                 cfg.OrchestratorBlockMs,
		LockTTL:                 cfg.LockTTL,
		CompletionReclaimIdleMs: cfg.CompletionReclaimIdleMs,
		WorkflowTimeout:         cfg.WorkflowTimeout,
		TasksStream:             config.TasksStream,
		CompletionsStream:       config.CompletionsStream,
		DLQStream:               config.DLQStream,
		Group:                   config.OrchestratorGroup,
	}, logger)

	logger.Info("starting orchestrator",
		slog.Int("batch_size", cfg.OrchestratorBatchSize),
		slog.Duration("lock_ttl", cfg.LockTTL),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("orchestrator run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("orchestrator stopped")
}
