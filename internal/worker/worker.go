// Package worker executes task handlers reliably: idempotent completion
// publication, circuit breaking per handler, bounded-timeout execution, and
// exponential-backoff retry with dead-letter fallback.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mentatlab/dagflow/internal/circuitbreaker"
	"github.com/mentatlab/dagflow/internal/dlq"
	"github.com/mentatlab/dagflow/internal/handler"
	"github.com/mentatlab/dagflow/internal/metrics"
	"github.com/mentatlab/dagflow/internal/statestore"
	"github.com/mentatlab/dagflow/internal/tracing"
	"github.com/mentatlab/dagflow/pkg/types"
)

// Config holds the worker's configuration surface, matching the external
// interfaces defaults.
type Config struct {
	MaxRetries    int
	RetryBase     time.Duration
	RetryCap      time.Duration
	RetryJitter   time.Duration
	HandlerTimeout time.Duration
	BatchSize     int
	BlockMs       int
	CBThreshold   int
	CBOpenTimeout time.Duration
	IdempotencyTTL time.Duration

	TasksStream       string
	CompletionsStream string
	Group             string
	ConsumerName      string
}

// Worker runs the per-task pipeline over a tasks-stream consumer group.
type Worker struct {
	store     statestore.Store
	registry  handler.Registry
	dlqStore  dlq.Store
	breakers  *circuitbreaker.Registry
	cfg       Config
	log       *slog.Logger
	sleeper   func(ctx context.Context, d time.Duration) error
}

// New returns a Worker ready to Run.
func New(store statestore.Store, registry handler.Registry, dlqStore dlq.Store, cfg Config, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-" + uuid.NewString()
	}
	return &Worker{
		store:    store,
		registry: registry,
		dlqStore: dlqStore,
		breakers: circuitbreaker.NewRegistry(cfg.CBThreshold, cfg.CBOpenTimeout),
		cfg:      cfg,
		log:      log,
		sleeper:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run joins the tasks consumer group and processes messages until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.StreamEnsureGroup(ctx, w.cfg.TasksStream, w.cfg.Group); err != nil {
		return fmt.Errorf("ensure tasks group: %w", err)
	}

	var wg sync.WaitGroup
	for {
		if ctx.Err() != nil {
			wg.Wait()
			return ctx.Err()
		}

		entries, err := w.store.StreamConsume(ctx, w.cfg.TasksStream, w.cfg.Group, w.cfg.ConsumerName, w.cfg.BatchSize, w.cfg.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			w.log.Error("consume tasks failed", "error", err)
			continue
		}

		for _, entry := range entries {
			entry := entry
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.processEntry(ctx, entry)
			}()
		}
	}
}

func (w *Worker) processEntry(ctx context.Context, entry statestore.StreamEntry) {
	tracer := tracing.Tracer("worker")
	ctx, span := tracer.Start(ctx, "execute_task")
	defer span.End()

	if err := w.processTask(ctx, entry.Fields); err != nil {
		w.log.Error("task processing failed, leaving unacknowledged for reaper", "message_id", entry.ID, "error", err)
		return
	}
	if err := w.store.StreamAck(ctx, w.cfg.TasksStream, w.cfg.Group, []string{entry.ID}); err != nil {
		w.log.Error("ack task failed", "message_id", entry.ID, "error", err)
	}
}

// processTask runs the per-task pipeline for one TaskMessage. A returned
// error means the message should NOT be acknowledged (state-store or broker
// failure); every business outcome (success, validation failure, retry,
// dead-letter) returns nil so the message is acked exactly once.
func (w *Worker) processTask(ctx context.Context, fields map[string]string) error {
	task, err := types.ParseTaskMessage(fields)
	if err != nil {
		return fmt.Errorf("parse task message: %w", err)
	}
	if task.SchemaVersion > types.CurrentSchemaVersion {
		return fmt.Errorf("task for %s/%s carries unsupported schema_version %d", task.ExecutionID, task.NodeID, task.SchemaVersion)
	}

	// Cancellation check.
	exec, err := w.store.ExecutionGet(ctx, task.ExecutionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", task.ExecutionID, err)
	}
	if exec.Status == types.ExecutionCancelled {
		return nil
	}

	// CAS status -> RUNNING.
	now := time.Now()
	ok, err := w.store.StatusCAS(ctx, task.ExecutionID, task.NodeID, types.NodePending, types.NodeRunning,
		statestore.NodeStateUpdate{StartedAt: &now})
	if err != nil {
		return fmt.Errorf("status_cas pending->running %s/%s: %w", task.ExecutionID, task.NodeID, err)
	}
	if !ok {
		// The node may already be RUNNING because a previous attempt crashed
		// after this CAS but before publishing completion. The reaper
		// reclaims that stalled task and republishes it; accept the re-take
		// here rather than skipping it forever, since the idempotency claim
		// tied to completion (not to this CAS) already guarantees the
		// eventual completion is published at most once.
		ok, err = w.store.StatusCAS(ctx, task.ExecutionID, task.NodeID, types.NodeRunning, types.NodeRunning,
			statestore.NodeStateUpdate{})
		if err != nil {
			return fmt.Errorf("status_cas running->running (re-take) %s/%s: %w", task.ExecutionID, task.NodeID, err)
		}
		if !ok {
			return nil // duplicate delivery: node already terminal or waiting
		}
	}

	// Handler lookup.
	entry, found := w.registry.Get(task.Handler)
	if !found {
		w.deadLetter(ctx, task, types.ErrorDetail{
			Category:  types.ErrorValidation,
			Message:   fmt.Sprintf("handler %q is not registered", task.Handler),
			Retryable: false,
		})
		return nil
	}

	// Config schema validation, before dispatch. A handler's declared JSON
	// Schema (if any) rejects malformed resolved config straight to
	// dead-letter rather than spending a retry on it.
	if err := w.registry.ValidateConfig(task.Handler, task.ResolvedConfig); err != nil {
		w.deadLetter(ctx, task, types.ErrorDetail{
			Category:  types.ErrorValidation,
			Message:   err.Error(),
			Retryable: false,
		})
		return nil
	}

	// Circuit-breaker gate.
	breaker := w.breakers.For(task.Handler)
	if !breaker.Allow() {
		w.publishCompletion(ctx, task, types.NodeFailed, nil, &types.ErrorDetail{
			Category:  types.ErrorCircuitOpen,
			Message:   fmt.Sprintf("circuit breaker open for handler %q", task.Handler),
			Retryable: true,
		})
		return nil
	}

	output, handlerErr := w.invoke(ctx, task.Handler, entry.Fn, task.ResolvedConfig)
	if handlerErr == nil {
		breaker.RecordSuccess()
		metrics.CircuitBreakerState.WithLabelValues(task.Handler).Set(metrics.CircuitStateValue(string(breaker.CurrentState())))
		w.publishCompletion(ctx, task, types.NodeCompleted, output, nil)
		metrics.NodesCompletedTotal.WithLabelValues(task.Handler, string(types.NodeCompleted)).Inc()
		return nil
	}

	breaker.RecordFailure()
	metrics.CircuitBreakerState.WithLabelValues(task.Handler).Set(metrics.CircuitStateValue(string(breaker.CurrentState())))

	category := classify(handlerErr)
	detail := types.ErrorDetail{
		Category:  category,
		Message:   handlerErr.Error(),
		Retryable: category.Retryable(),
	}

	if !detail.Retryable || task.RetryCount+1 > w.cfg.MaxRetries {
		w.deadLetter(ctx, task, detail)
		return nil
	}

	delay := retryDelay(w.cfg.RetryBase, w.cfg.RetryCap, w.cfg.RetryJitter, task.RetryCount)
	metrics.RetriesTotal.WithLabelValues(task.Handler, string(category)).Inc()
	if err := w.sleeper(ctx, delay); err != nil {
		return fmt.Errorf("retry delay interrupted: %w", err)
	}

	retryTask := task
	retryTask.RetryCount = task.RetryCount + 1
	if _, err := w.store.StreamPublish(ctx, w.cfg.TasksStream, retryTask.ToFields()); err != nil {
		return fmt.Errorf("republish retry for %s/%s: %w", task.ExecutionID, task.NodeID, err)
	}
	// Put the node back to PENDING so the next attempt's RUNNING CAS succeeds.
	if _, err := w.store.StatusCAS(ctx, task.ExecutionID, task.NodeID, types.NodeRunning, types.NodePending,
		statestore.NodeStateUpdate{RetryCount: &retryTask.RetryCount}); err != nil {
		return fmt.Errorf("status_cas running->pending for retry %s/%s: %w", task.ExecutionID, task.NodeID, err)
	}
	return nil
}

// invoke runs a handler with a bounded timeout, recording its latency
// regardless of outcome.
func (w *Worker) invoke(ctx context.Context, handlerName string, fn handler.Func, config []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(handlerName).Observe(time.Since(start).Seconds())
	}()

	handlerCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := fn(handlerCtx, config)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-handlerCtx.Done():
		return nil, handlerCtx.Err()
	}
}

// publishCompletion applies the idempotency gate chosen for scenario 4
// (approach b): the claim is attempted only once the outcome is known, so a
// reclaimed duplicate attempt that also finishes does not publish twice.
func (w *Worker) publishCompletion(ctx context.Context, task types.TaskMessage, status types.NodeStatus, output []byte, detail *types.ErrorDetail) {
	fingerprint := fingerprintFor(task.ExecutionID, task.NodeID, task.RetryCount)
	claimed, err := w.store.IdempotencyTryClaim(ctx, fingerprint, w.cfg.IdempotencyTTL)
	if err != nil {
		w.log.Error("idempotency claim failed", "fingerprint", fingerprint, "error", err)
		return
	}
	if !claimed {
		w.log.Info("completion already published by another attempt, skipping", "execution_id", task.ExecutionID, "node_id", task.NodeID)
		return
	}

	if status == types.NodeCompleted {
		if err := w.store.OutputPut(ctx, task.ExecutionID, task.NodeID, output); err != nil {
			w.log.Error("output_put failed", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", err)
		}
	}

	msg := types.CompletionMessage{
		ExecutionID:   task.ExecutionID,
		NodeID:        task.NodeID,
		Status:        status,
		Output:        output,
		Error:         detail,
		SchemaVersion: types.CurrentSchemaVersion,
	}
	if _, err := w.store.StreamPublish(ctx, w.cfg.CompletionsStream, msg.ToFields()); err != nil {
		w.log.Error("publish completion failed", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", err)
	}
}

// deadLetter writes a dead-letter entry, publishes the terminal FAILED
// completion, and records the metric — the common tail of every non-retried
// failure path.
func (w *Worker) deadLetter(ctx context.Context, task types.TaskMessage, detail types.ErrorDetail) {
	entry := types.DeadLetterEntry{
		EntryID:        uuid.NewString(),
		ExecutionID:    task.ExecutionID,
		NodeID:         task.NodeID,
		Handler:        task.Handler,
		ResolvedConfig: task.ResolvedConfig,
		ErrorDetail:    detail,
		RetryCount:     task.RetryCount,
		CreatedAt:      time.Now(),
	}
	if err := w.dlqStore.Put(ctx, entry); err != nil {
		w.log.Error("dead-letter put failed", "execution_id", task.ExecutionID, "node_id", task.NodeID, "error", err)
	}
	metrics.DeadLetterTotal.WithLabelValues(task.Handler, string(detail.Category)).Inc()
	metrics.NodesCompletedTotal.WithLabelValues(task.Handler, string(types.NodeFailed)).Inc()
	w.publishCompletion(ctx, task, types.NodeFailed, nil, &detail)
}

func fingerprintFor(executionID, nodeID string, retryCount int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", executionID, nodeID, retryCount)))
	return hex.EncodeToString(sum[:])[:24]
}
