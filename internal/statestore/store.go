// Package statestore is the narrow façade over a key-value store with
// stream semantics that the orchestrator, worker, and reaper depend on. Every
// status transition it exposes is compare-and-set; every lock release is
// ownership-checked; every ephemeral key carries a TTL so no crashed holder
// can deadlock the system.
package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/mentatlab/dagflow/pkg/types"
)

// ErrNotFound is returned by lookups that find no record.
var ErrNotFound = errors.New("statestore: not found")

// StreamEntry is one message read from a stream, carrying the broker's
// message id alongside the decoded field set.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// RateLimitResult is the outcome of a fixed-window rate check.
type RateLimitResult struct {
	Allowed  bool
	Remaining int64
	ResetAt  time.Time
}

// Store is the complete façade surface named in the component design: node
// status, node outputs, idempotency marks, distributed locks, and the
// durable stream queues with consumer-group bookkeeping.
type Store interface {
	// StatusGet returns the node state for (executionID, nodeID).
	StatusGet(ctx context.Context, executionID, nodeID string) (types.NodeState, error)
	// StatusMGet returns node states for every id in nodeIDs in one round trip.
	StatusMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]types.NodeState, error)
	// StatusCAS atomically transitions a node from expected to next, merging
	// extraFields (output, error, retry_count, timestamps) on success. It
	// reports whether the transition applied.
	StatusCAS(ctx context.Context, executionID, nodeID string, expected, next types.NodeStatus, extra NodeStateUpdate) (bool, error)
	// StatusInit seeds every node of a freshly submitted execution at WAITING.
	StatusInit(ctx context.Context, executionID string, nodeIDs []string) error

	// OutputPut stores the JSON output of a completed node.
	OutputPut(ctx context.Context, executionID, nodeID string, output []byte) error
	// OutputMGet returns outputs for every id in nodeIDs present in the store.
	OutputMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string][]byte, error)

	// IdempotencyTryClaim sets fingerprint with ttl if absent, returning true
	// iff this call claimed it.
	IdempotencyTryClaim(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)

	// LockAcquire sets key to ownerToken with ttl if unset, returning true iff
	// this call acquired it.
	LockAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error)
	// LockRelease deletes key only if its current value equals ownerToken.
	LockRelease(ctx context.Context, key, ownerToken string) (bool, error)

	// ExecutionGet returns the execution aggregate record.
	ExecutionGet(ctx context.Context, executionID string) (types.Execution, error)
	// ExecutionPut creates or overwrites the execution aggregate record.
	ExecutionPut(ctx context.Context, exec types.Execution) error
	// ExecutionCAS transitions the execution's overall status atomically.
	ExecutionCAS(ctx context.Context, executionID string, expected, next types.ExecutionStatus) (bool, error)
	// ActiveExecutionIDs returns every execution id not yet in a terminal
	// status, backing the workflow-level timeout sweep.
	ActiveExecutionIDs(ctx context.Context) ([]string, error)

	// StreamPublish appends fields to stream and returns the new message id.
	StreamPublish(ctx context.Context, stream string, fields map[string]string) (string, error)
	// StreamEnsureGroup creates the consumer group on stream if absent.
	StreamEnsureGroup(ctx context.Context, stream, group string) error
	// StreamConsume reads up to count undelivered messages for consumer,
	// blocking up to blockMs when none are immediately available.
	StreamConsume(ctx context.Context, stream, group, consumer string, count int, blockMs int) ([]StreamEntry, error)
	// StreamAck acknowledges ids on stream/group.
	StreamAck(ctx context.Context, stream, group string, ids []string) error
	// StreamReclaim takes ownership of messages idle longer than minIdleMs.
	StreamReclaim(ctx context.Context, stream, group, newConsumer string, minIdleMs int64, count int) ([]StreamEntry, error)

	// RateWindowIncr increments a fixed-window counter keyed by key, allowing
	// up to limit events per windowSeconds.
	RateWindowIncr(ctx context.Context, key string, windowSeconds int, limit int64) (RateLimitResult, error)

	// Close releases underlying resources.
	Close() error
}

// NodeStateUpdate carries the fields a status transition may update
// atomically alongside the status itself. Nil pointers leave the field
// unchanged.
type NodeStateUpdate struct {
	Output     []byte
	Error      *types.ErrorDetail
	RetryCount *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}
