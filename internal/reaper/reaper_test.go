package reaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mentatlab/dagflow/internal/dlq"
	"github.com/mentatlab/dagflow/internal/statestore"
	"github.com/mentatlab/dagflow/pkg/types"
)

func testConfig() Config {
	return Config{
		CheckInterval:     10 * time.Millisecond,
		MinIdleMs:         0,
		BatchSize:         100,
		MaxReclaims:       10,
		TasksStream:       "workflow:tasks",
		CompletionsStream: "workflow:completions",
		OrchestratorGroup: "g:orchestrator",
		WorkerGroup:       "g:worker",
		ConsumerName:      "reaper-test",
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestSweepRepublishesStalledTask(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	cfg := testConfig()
	r := New(store, dlqStore, cfg, silentLogger())

	task := types.TaskMessage{
		ExecutionID:   "e1",
		NodeID:        "a",
		Handler:       "echo",
		RetryCount:    0,
		SchemaVersion: types.CurrentSchemaVersion,
	}
	if _, err := store.StreamPublish(ctx, cfg.TasksStream, task.ToFields()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.StreamEnsureGroup(ctx, cfg.TasksStream, cfg.WorkerGroup); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// A worker claims it and then vanishes without acking.
	if _, err := store.StreamConsume(ctx, cfg.TasksStream, cfg.WorkerGroup, "dead-worker", 10, 0); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := r.sweep(ctx, cfg.TasksStream, cfg.WorkerGroup); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// The original message must be acked and a fresh one must be available.
	entries, err := store.StreamConsume(ctx, cfg.TasksStream, cfg.WorkerGroup, "survivor-worker", 10, 0)
	if err != nil {
		t.Fatalf("consume after sweep: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one republished task, got %d", len(entries))
	}
	got, err := types.ParseTaskMessage(entries[0].Fields)
	if err != nil {
		t.Fatalf("parse republished task: %v", err)
	}
	if got.ExecutionID != "e1" || got.NodeID != "a" {
		t.Fatalf("republished task mismatch: %+v", got)
	}
}

func TestSweepPoisonsOverCapRetries(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	cfg := testConfig()
	cfg.MaxReclaims = 2
	r := New(store, dlqStore, cfg, silentLogger())

	task := types.TaskMessage{
		ExecutionID:   "e1",
		NodeID:        "poison",
		Handler:       "fail-always",
		RetryCount:    5,
		SchemaVersion: types.CurrentSchemaVersion,
	}
	if _, err := store.StreamPublish(ctx, cfg.TasksStream, task.ToFields()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.StreamEnsureGroup(ctx, cfg.TasksStream, cfg.WorkerGroup); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := store.StreamConsume(ctx, cfg.TasksStream, cfg.WorkerGroup, "dead-worker", 10, 0); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := r.sweep(ctx, cfg.TasksStream, cfg.WorkerGroup); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	entries, err := store.StreamConsume(ctx, cfg.TasksStream, cfg.WorkerGroup, "survivor-worker", 10, 0)
	if err != nil {
		t.Fatalf("consume after sweep: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no republished task for a message over the reclaim cap, got %d", len(entries))
	}

	entriesDLQ, err := dlqStore.List(ctx, "e1")
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entriesDLQ) != 1 {
		t.Fatalf("expected one dead-letter entry, got %d", len(entriesDLQ))
	}
	if entriesDLQ[0].NodeID != "poison" {
		t.Fatalf("dead-letter entry mismatch: %+v", entriesDLQ[0])
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := statestore.NewMemoryStore()
	dlqStore := dlq.NewMemoryStore()
	r := New(store, dlqStore, testConfig(), silentLogger())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return an error on cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
