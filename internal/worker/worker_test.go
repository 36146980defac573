package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mentatlab/dagflow/internal/dlq"
	"github.com/mentatlab/dagflow/internal/handler"
	"github.com/mentatlab/dagflow/internal/statestore"
	"github.com/mentatlab/dagflow/pkg/types"
)

func testConfig() Config {
	return Config{
		MaxRetries:        4,
		RetryBase:         time.Millisecond,
		RetryCap:          4 * time.Millisecond,
		RetryJitter:       time.Millisecond,
		HandlerTimeout:    time.Second,
		BatchSize:         10,
		BlockMs:           20,
		CBThreshold:       5,
		CBOpenTimeout:     50 * time.Millisecond,
		IdempotencyTTL:    time.Hour,
		TasksStream:       "workflow:tasks",
		CompletionsStream: "workflow:completions",
		Group:             "g:worker",
		ConsumerName:      "worker-test",
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func seedRunningNode(t *testing.T, ctx context.Context, store statestore.Store, executionID, nodeID string) {
	t.Helper()
	if err := store.ExecutionPut(ctx, types.Execution{
		ExecutionID: executionID,
		WorkflowID:  "wf",
		Status:      types.ExecutionRunning,
		CreatedAt:   time.Now(),
	}); err != nil {
		t.Fatalf("execution_put: %v", err)
	}
	if err := store.StatusInit(ctx, executionID, []string{nodeID}); err != nil {
		t.Fatalf("status_init: %v", err)
	}
	if ok, err := store.StatusCAS(ctx, executionID, nodeID, types.NodeWaiting, types.NodePending, statestore.NodeStateUpdate{}); err != nil || !ok {
		t.Fatalf("status_cas waiting->pending: %v %v", ok, err)
	}
}

func publishTask(t *testing.T, ctx context.Context, store statestore.Store, stream string, task types.TaskMessage) {
	t.Helper()
	if _, err := store.StreamPublish(ctx, stream, task.ToFields()); err != nil {
		t.Fatalf("publish task: %v", err)
	}
}

func drainCompletions(t *testing.T, ctx context.Context, store statestore.Store, stream string, count int) []types.CompletionMessage {
	t.Helper()
	if err := store.StreamEnsureGroup(ctx, stream, "test-consumers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	entries, err := store.StreamConsume(ctx, stream, "test-consumers", "test-reader", count, 0)
	if err != nil {
		t.Fatalf("consume completions: %v", err)
	}
	out := make([]types.CompletionMessage, 0, len(entries))
	for _, e := range entries {
		msg, err := types.ParseCompletionMessage(e.Fields)
		if err != nil {
			t.Fatalf("parse completion: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestProcessTaskSuccessPublishesCompletion(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	if err := reg.Register("echo", handler.Echo, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := New(store, reg, dlqStore, testConfig(), silentLogger())

	seedRunningNode(t, ctx, store, "e1", "a")
	task := types.TaskMessage{ExecutionID: "e1", NodeID: "a", Handler: "echo", ResolvedConfig: json.RawMessage(`{"v":1}`), SchemaVersion: types.CurrentSchemaVersion}

	if err := w.processTask(ctx, task.ToFields()); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	st, err := store.StatusGet(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("status_get: %v", err)
	}
	if st.Status != types.NodeCompleted {
		t.Fatalf("expected COMPLETED, got %s", st.Status)
	}

	completions := drainCompletions(t, ctx, store, w.cfg.CompletionsStream, 10)
	if len(completions) != 1 || completions[0].Status != types.NodeCompleted {
		t.Fatalf("expected one COMPLETED completion, got %+v", completions)
	}
}

func TestProcessTaskResumesAfterCrashAfterRunningCAS(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	if err := reg.Register("echo", handler.Echo, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := New(store, reg, dlqStore, testConfig(), silentLogger())

	seedRunningNode(t, ctx, store, "e1", "a")
	task := types.TaskMessage{ExecutionID: "e1", NodeID: "a", Handler: "echo", ResolvedConfig: json.RawMessage(`{"v":1}`), SchemaVersion: types.CurrentSchemaVersion}
	if _, err := store.StreamPublish(ctx, w.cfg.TasksStream, task.ToFields()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.StreamEnsureGroup(ctx, w.cfg.TasksStream, w.cfg.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	// A first worker claims the message and crashes after the CAS to
	// RUNNING but before publishing completion.
	entries, err := store.StreamConsume(ctx, w.cfg.TasksStream, w.cfg.Group, "crashed-worker", 10, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("consume: %v %v", entries, err)
	}
	if ok, err := store.StatusCAS(ctx, "e1", "a", types.NodePending, types.NodeRunning, statestore.NodeStateUpdate{}); err != nil || !ok {
		t.Fatalf("simulate crash-time cas: %v %v", ok, err)
	}

	// The reaper reclaims the stalled entry once idle and resurrects it:
	// republish fresh, then ack the original.
	reclaimed, err := store.StreamReclaim(ctx, w.cfg.TasksStream, w.cfg.Group, "reaper", 0, 10)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim: %v %v", reclaimed, err)
	}
	if _, err := store.StreamPublish(ctx, w.cfg.TasksStream, reclaimed[0].Fields); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if err := store.StreamAck(ctx, w.cfg.TasksStream, w.cfg.Group, []string{reclaimed[0].ID}); err != nil {
		t.Fatalf("ack original: %v", err)
	}

	// A replacement worker consumes the resurrected message. The node is
	// still RUNNING from the crashed attempt, so the pending->running CAS
	// fails, but the re-take must still let this attempt through.
	resurrected, err := store.StreamConsume(ctx, w.cfg.TasksStream, w.cfg.Group, "replacement-worker", 10, 0)
	if err != nil || len(resurrected) != 1 {
		t.Fatalf("consume resurrected: %v %v", resurrected, err)
	}
	if err := w.processTask(ctx, resurrected[0].Fields); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	st, err := store.StatusGet(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("status_get: %v", err)
	}
	if st.Status != types.NodeCompleted {
		t.Fatalf("expected COMPLETED after replacement worker runs, got %s", st.Status)
	}

	completions := drainCompletions(t, ctx, store, w.cfg.CompletionsStream, 10)
	if len(completions) != 1 || completions[0].Status != types.NodeCompleted {
		t.Fatalf("expected exactly one COMPLETED completion, got %+v", completions)
	}
}

func TestProcessTaskUnregisteredHandlerGoesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	w := New(store, reg, dlqStore, testConfig(), silentLogger())

	seedRunningNode(t, ctx, store, "e1", "a")
	task := types.TaskMessage{ExecutionID: "e1", NodeID: "a", Handler: "ghost", SchemaVersion: types.CurrentSchemaVersion}

	if err := w.processTask(ctx, task.ToFields()); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	entries, err := dlqStore.List(ctx, "e1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one dead-letter entry: %v %v", entries, err)
	}
	if entries[0].ErrorDetail.Category != types.ErrorValidation {
		t.Fatalf("expected validation category, got %s", entries[0].ErrorDetail.Category)
	}

	completions := drainCompletions(t, ctx, store, w.cfg.CompletionsStream, 10)
	if len(completions) != 1 || completions[0].Status != types.NodeFailed {
		t.Fatalf("expected one FAILED completion, got %+v", completions)
	}
}

func TestProcessTaskRetriesThenDeadLettersPoisonHandler(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	calls := 0
	if err := reg.Register("poison", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errors.New("connection refused")
	}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testConfig()
	cfg.MaxRetries = 4
	w := New(store, reg, dlqStore, cfg, silentLogger())

	seedRunningNode(t, ctx, store, "e1", "a")
	task := types.TaskMessage{ExecutionID: "e1", NodeID: "a", Handler: "poison", SchemaVersion: types.CurrentSchemaVersion}

	// Attempt 0 through 3 retry; attempt 4 (retry_count already at MaxRetries) dead-letters.
	// The worker itself puts the node back to PENDING after each retryable
	// failure, so the next iteration's PENDING->RUNNING CAS succeeds without
	// any test-side bookkeeping.
	for retryCount := 0; retryCount <= cfg.MaxRetries; retryCount++ {
		attempt := task
		attempt.RetryCount = retryCount
		if err := w.processTask(ctx, attempt.ToFields()); err != nil {
			t.Fatalf("processTask retry %d: %v", retryCount, err)
		}
	}

	if calls != cfg.MaxRetries+1 {
		t.Fatalf("expected %d handler invocations, got %d", cfg.MaxRetries+1, calls)
	}

	entries, err := dlqStore.List(ctx, "e1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one dead-letter entry, got %v %v", entries, err)
	}
	if entries[0].RetryCount != cfg.MaxRetries {
		t.Fatalf("expected dead-letter retry_count=%d, got %d", cfg.MaxRetries, entries[0].RetryCount)
	}
	if entries[0].ErrorDetail.Category != types.ErrorConnection {
		t.Fatalf("expected connection category, got %s", entries[0].ErrorDetail.Category)
	}
}

func TestProcessTaskIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	calls := 0
	if err := reg.Register("echo", func(_ context.Context, c json.RawMessage) (json.RawMessage, error) {
		calls++
		return c, nil
	}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := New(store, reg, dlqStore, testConfig(), silentLogger())

	seedRunningNode(t, ctx, store, "e1", "a")
	task := types.TaskMessage{ExecutionID: "e1", NodeID: "a", Handler: "echo", ResolvedConfig: json.RawMessage(`{"v":1}`), SchemaVersion: types.CurrentSchemaVersion}

	if err := w.processTask(ctx, task.ToFields()); err != nil {
		t.Fatalf("first processTask: %v", err)
	}
	// Redelivery of the same message after the node already reached a
	// terminal status: the RUNNING CAS fails and no second handler call or
	// completion publication happens.
	if err := w.processTask(ctx, task.ToFields()); err != nil {
		t.Fatalf("second processTask: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected exactly one handler invocation across redelivery, got %d", calls)
	}
	completions := drainCompletions(t, ctx, store, w.cfg.CompletionsStream, 10)
	if len(completions) != 1 {
		t.Fatalf("expected exactly one completion published, got %d", len(completions))
	}
}

func TestProcessTaskCancelledExecutionSkipsWithoutCompletion(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	if err := reg.Register("echo", handler.Echo, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := New(store, reg, dlqStore, testConfig(), silentLogger())

	seedRunningNode(t, ctx, store, "e1", "a")
	if _, err := store.ExecutionCAS(ctx, "e1", types.ExecutionRunning, types.ExecutionCancelled); err != nil {
		t.Fatalf("execution_cas: %v", err)
	}

	task := types.TaskMessage{ExecutionID: "e1", NodeID: "a", Handler: "echo", SchemaVersion: types.CurrentSchemaVersion}
	if err := w.processTask(ctx, task.ToFields()); err != nil {
		t.Fatalf("processTask: %v", err)
	}

	completions := drainCompletions(t, ctx, store, w.cfg.CompletionsStream, 10)
	if len(completions) != 0 {
		t.Fatalf("expected no completion for a cancelled execution, got %+v", completions)
	}
}

func TestProcessTaskCircuitBreakerOpensAndGatesCalls(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	reg := handler.NewMemoryRegistry()
	calls := 0
	if err := reg.Register("always-fails", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, errors.New("handler exploded")
	}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testConfig()
	cfg.CBThreshold = 2
	cfg.MaxRetries = 0
	w := New(store, reg, dlqStore, cfg, silentLogger())

	for i := 0; i < 2; i++ {
		nodeID := "node-" + string(rune('a'+i))
		seedRunningNode(t, ctx, store, "e1", nodeID)
		task := types.TaskMessage{ExecutionID: "e1", NodeID: nodeID, Handler: "always-fails", SchemaVersion: types.CurrentSchemaVersion}
		if err := w.processTask(ctx, task.ToFields()); err != nil {
			t.Fatalf("processTask %d: %v", i, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected 2 handler invocations before breaker opens, got %d", calls)
	}

	// Third task for the same handler: breaker is OPEN, handler must not run.
	seedRunningNode(t, ctx, store, "e1", "node-c")
	task := types.TaskMessage{ExecutionID: "e1", NodeID: "node-c", Handler: "always-fails", SchemaVersion: types.CurrentSchemaVersion}
	if err := w.processTask(ctx, task.ToFields()); err != nil {
		t.Fatalf("processTask gated: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected breaker to gate the call, handler invocation count stayed at 2, got %d", calls)
	}

	completions := drainCompletions(t, ctx, store, w.cfg.CompletionsStream, 10)
	if len(completions) != 3 {
		t.Fatalf("expected 3 completions total, got %d", len(completions))
	}
	if completions[2].Error == nil || completions[2].Error.Category != types.ErrorCircuitOpen {
		t.Fatalf("expected third completion to carry circuit_open category, got %+v", completions[2].Error)
	}
}
