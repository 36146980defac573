package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/mentatlab/dagflow/pkg/types"
)

func TestStatusCASOnlyFromExpected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.StatusInit(ctx, "e1", []string{"a"}); err != nil {
		t.Fatalf("init: %v", err)
	}

	ok, err := s.StatusCAS(ctx, "e1", "a", types.NodeWaiting, types.NodePending, NodeStateUpdate{})
	if err != nil || !ok {
		t.Fatalf("expected cas to succeed, got %v %v", ok, err)
	}

	// Racing caller with a stale "expected" should be rejected.
	ok, err = s.StatusCAS(ctx, "e1", "a", types.NodeWaiting, types.NodeRunning, NodeStateUpdate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected cas from stale status to fail")
	}

	st, err := s.StatusGet(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st.Status != types.NodePending {
		t.Fatalf("expected status PENDING, got %s", st.Status)
	}
}

func TestIdempotencyTryClaimOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.IdempotencyTryClaim(ctx, "fp-1", time.Hour)
	if err != nil || !first {
		t.Fatalf("expected first claim to succeed: %v %v", first, err)
	}
	second, err := s.IdempotencyTryClaim(ctx, "fp-1", time.Hour)
	if err != nil || second {
		t.Fatalf("expected second claim to fail: %v %v", second, err)
	}
}

func TestLockAcquireReleaseOwnershipChecked(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.LockAcquire(ctx, "eval:e1:c", "token-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed: %v %v", ok, err)
	}

	// A different owner cannot acquire or release.
	ok, err = s.LockAcquire(ctx, "eval:e1:c", "token-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail: %v %v", ok, err)
	}
	released, err := s.LockRelease(ctx, "eval:e1:c", "token-b")
	if err != nil || released {
		t.Fatalf("expected release by wrong owner to fail: %v %v", released, err)
	}

	released, err = s.LockRelease(ctx, "eval:e1:c", "token-a")
	if err != nil || !released {
		t.Fatalf("expected release by owner to succeed: %v %v", released, err)
	}

	// Now it can be acquired again.
	ok, err = s.LockAcquire(ctx, "eval:e1:c", "token-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed: %v %v", ok, err)
	}
}

func TestStreamPublishConsumeAck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.StreamPublish(ctx, "workflow:tasks", map[string]string{"node_id": "a"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty message id")
	}

	entries, err := s.StreamConsume(ctx, "workflow:tasks", "g:worker", "w1", 10, 0)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(entries) != 1 || entries[0].Fields["node_id"] != "a" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	// A second consumer should not see the already-claimed message.
	entries2, err := s.StreamConsume(ctx, "workflow:tasks", "g:worker", "w2", 10, 0)
	if err != nil {
		t.Fatalf("consume2: %v", err)
	}
	if len(entries2) != 0 {
		t.Fatalf("expected no entries for second consumer, got %+v", entries2)
	}

	if err := s.StreamAck(ctx, "workflow:tasks", "g:worker", []string{id}); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestStreamReclaimAfterIdle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, _ := s.StreamPublish(ctx, "workflow:tasks", map[string]string{"node_id": "a"})
	if _, err := s.StreamConsume(ctx, "workflow:tasks", "g:worker", "w1", 10, 0); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Not idle long enough yet.
	reclaimed, err := s.StreamReclaim(ctx, "workflow:tasks", "g:worker", "reaper", int64(time.Hour/time.Millisecond), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("expected nothing reclaimed yet, got %+v", reclaimed)
	}

	reclaimed, err = s.StreamReclaim(ctx, "workflow:tasks", "g:worker", "reaper", 0, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != id {
		t.Fatalf("expected reclaimed message %s, got %+v", id, reclaimed)
	}
}

func TestRateWindowIncrDeniesOverLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := s.RateWindowIncr(ctx, "k", 60, 3)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected allowed on attempt %d, got %+v", i, res)
		}
	}
	res, err := s.RateWindowIncr(ctx, "k", 60, 3)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected 4th attempt to be denied, got %+v", res)
	}
}

func TestExecutionCAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := types.Execution{ExecutionID: "e1", WorkflowID: "w1", Status: types.ExecutionPending, CreatedAt: time.Now()}
	if err := s.ExecutionPut(ctx, exec); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err := s.ExecutionCAS(ctx, "e1", types.ExecutionPending, types.ExecutionRunning)
	if err != nil || !ok {
		t.Fatalf("expected cas to succeed: %v %v", ok, err)
	}
	ok, err = s.ExecutionCAS(ctx, "e1", types.ExecutionPending, types.ExecutionRunning)
	if err != nil || ok {
		t.Fatalf("expected second cas from stale status to fail: %v %v", ok, err)
	}
}
