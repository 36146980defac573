package statestore

import (
	"context"
	"time"

	"github.com/mentatlab/dagflow/internal/metrics"
	"github.com/mentatlab/dagflow/pkg/types"
)

// Instrumented decorates a Store with per-operation Prometheus counters,
// the same write-through decorator shape internal/defstore's S3Archiver
// uses over its own Store interface.
type Instrumented struct {
	Store
}

// Instrument wraps store so every façade call records
// metrics.StateStoreOperations by operation name and outcome.
func Instrument(store Store) *Instrumented {
	return &Instrumented{Store: store}
}

func record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StateStoreOperations.WithLabelValues(op, result).Inc()
}

func (s *Instrumented) StatusGet(ctx context.Context, executionID, nodeID string) (types.NodeState, error) {
	out, err := s.Store.StatusGet(ctx, executionID, nodeID)
	record("status_get", err)
	return out, err
}

func (s *Instrumented) StatusMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]types.NodeState, error) {
	out, err := s.Store.StatusMGet(ctx, executionID, nodeIDs)
	record("status_mget", err)
	return out, err
}

func (s *Instrumented) StatusCAS(ctx context.Context, executionID, nodeID string, expected, next types.NodeStatus, extra NodeStateUpdate) (bool, error) {
	ok, err := s.Store.StatusCAS(ctx, executionID, nodeID, expected, next, extra)
	record("status_cas", err)
	return ok, err
}

func (s *Instrumented) StatusInit(ctx context.Context, executionID string, nodeIDs []string) error {
	err := s.Store.StatusInit(ctx, executionID, nodeIDs)
	record("status_init", err)
	return err
}

func (s *Instrumented) OutputPut(ctx context.Context, executionID, nodeID string, output []byte) error {
	err := s.Store.OutputPut(ctx, executionID, nodeID, output)
	record("output_put", err)
	return err
}

func (s *Instrumented) OutputMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string][]byte, error) {
	out, err := s.Store.OutputMGet(ctx, executionID, nodeIDs)
	record("output_mget", err)
	return out, err
}

func (s *Instrumented) IdempotencyTryClaim(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := s.Store.IdempotencyTryClaim(ctx, fingerprint, ttl)
	record("idempotency_try_claim", err)
	return ok, err
}

func (s *Instrumented) LockAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	ok, err := s.Store.LockAcquire(ctx, key, ownerToken, ttl)
	record("lock_acquire", err)
	return ok, err
}

func (s *Instrumented) LockRelease(ctx context.Context, key, ownerToken string) (bool, error) {
	ok, err := s.Store.LockRelease(ctx, key, ownerToken)
	record("lock_release", err)
	return ok, err
}

func (s *Instrumented) ExecutionGet(ctx context.Context, executionID string) (types.Execution, error) {
	out, err := s.Store.ExecutionGet(ctx, executionID)
	record("execution_get", err)
	return out, err
}

func (s *Instrumented) ExecutionPut(ctx context.Context, exec types.Execution) error {
	err := s.Store.ExecutionPut(ctx, exec)
	record("execution_put", err)
	return err
}

func (s *Instrumented) ExecutionCAS(ctx context.Context, executionID string, expected, next types.ExecutionStatus) (bool, error) {
	ok, err := s.Store.ExecutionCAS(ctx, executionID, expected, next)
	record("execution_cas", err)
	return ok, err
}

func (s *Instrumented) ActiveExecutionIDs(ctx context.Context) ([]string, error) {
	out, err := s.Store.ActiveExecutionIDs(ctx)
	record("active_execution_ids", err)
	return out, err
}

func (s *Instrumented) StreamPublish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	id, err := s.Store.StreamPublish(ctx, stream, fields)
	record("stream_publish", err)
	return id, err
}

func (s *Instrumented) StreamEnsureGroup(ctx context.Context, stream, group string) error {
	err := s.Store.StreamEnsureGroup(ctx, stream, group)
	record("stream_ensure_group", err)
	return err
}

func (s *Instrumented) StreamConsume(ctx context.Context, stream, group, consumer string, count int, blockMs int) ([]StreamEntry, error) {
	out, err := s.Store.StreamConsume(ctx, stream, group, consumer, count, blockMs)
	record("stream_consume", err)
	return out, err
}

func (s *Instrumented) StreamAck(ctx context.Context, stream, group string, ids []string) error {
	err := s.Store.StreamAck(ctx, stream, group, ids)
	record("stream_ack", err)
	return err
}

func (s *Instrumented) StreamReclaim(ctx context.Context, stream, group, newConsumer string, minIdleMs int64, count int) ([]StreamEntry, error) {
	out, err := s.Store.StreamReclaim(ctx, stream, group, newConsumer, minIdleMs, count)
	record("stream_reclaim", err)
	return out, err
}

func (s *Instrumented) RateWindowIncr(ctx context.Context, key string, windowSeconds int, limit int64) (RateLimitResult, error) {
	out, err := s.Store.RateWindowIncr(ctx, key, windowSeconds, limit)
	record("rate_window_incr", err)
	return out, err
}

var _ Store = (*Instrumented)(nil)
