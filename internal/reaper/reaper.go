// Package reaper reclaims stalled in-flight messages from the broker's
// pending-entry lists and republishes them, per the "resurrect and bury"
// pattern: claim the stuck entry, republish it fresh, then acknowledge the
// original. It never inspects business state, only broker pending-entry
// metadata, so it shares no dependency on the state store beyond the stream
// operations the façade already exposes.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mentatlab/dagflow/internal/dlq"
	"github.com/mentatlab/dagflow/internal/metrics"
	"github.com/mentatlab/dagflow/internal/statestore"
	"github.com/mentatlab/dagflow/pkg/types"
)

// Config holds the reaper's configuration surface, matching the external
// interfaces defaults.
type Config struct {
	CheckInterval time.Duration
	MinIdleMs     int64
	BatchSize     int
	MaxReclaims   int

	TasksStream       string
	CompletionsStream string
	OrchestratorGroup string
	WorkerGroup       string
	ConsumerName      string
}

// streamGroup pairs a stream with the consumer group the reaper sweeps it
// under; tasks are claimed from the worker group, completions from the
// orchestrator group, matching who actually consumes each stream.
type streamGroup struct {
	stream string
	group  string
}

// Reaper sweeps the tasks and completions streams on a fixed interval,
// reclaiming messages idle past the threshold and either republishing them
// or, when their retry_count already exceeds the reaper-side cap, routing
// them to the dead-letter store to stop a poisoned message from looping
// forever.
type Reaper struct {
	store statestore.Store
	dlq   dlq.Store
	cfg   Config
	log   *slog.Logger
}

// New returns a Reaper ready to Run.
func New(store statestore.Store, dlqStore dlq.Store, cfg Config, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "reaper-" + uuid.NewString()
	}
	return &Reaper{store: store, dlq: dlqStore, cfg: cfg, log: log}
}

// Run sweeps both streams every CheckInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	groups := []streamGroup{
		{stream: r.cfg.TasksStream, group: r.cfg.WorkerGroup},
		{stream: r.cfg.CompletionsStream, group: r.cfg.OrchestratorGroup},
	}

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	r.sweepAll(ctx, groups)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweepAll(ctx, groups)
		}
	}
}

func (r *Reaper) sweepAll(ctx context.Context, groups []streamGroup) {
	for _, sg := range groups {
		if err := r.sweep(ctx, sg.stream, sg.group); err != nil {
			r.log.Error("sweep failed", "stream", sg.stream, "group", sg.group, "error", err)
		}
	}
}

// sweep performs one reclaim pass over a single stream/group: claim stalled
// entries, bury-and-resurrect the ones still worth retrying, dead-letter the
// ones whose retry count already exceeds the reaper's own cap.
func (r *Reaper) sweep(ctx context.Context, stream, group string) error {
	entries, err := r.store.StreamReclaim(ctx, stream, group, r.cfg.ConsumerName, r.cfg.MinIdleMs, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("stream_reclaim %s/%s: %w", stream, group, err)
	}
	if len(entries) == 0 {
		return nil
	}

	r.log.Info("reclaimed stalled messages", "stream", stream, "group", group, "count", len(entries))
	metrics.ReaperReclaimedTotal.WithLabelValues(stream).Add(float64(len(entries)))

	for _, entry := range entries {
		if err := r.handleReclaimed(ctx, stream, group, entry); err != nil {
			r.log.Error("handle reclaimed entry failed", "stream", stream, "message_id", entry.ID, "error", err)
		}
	}
	return nil
}

func (r *Reaper) handleReclaimed(ctx context.Context, stream, group string, entry statestore.StreamEntry) error {
	retryCount := types.RetryCountFromFields(entry.Fields)

	if retryCount > r.cfg.MaxReclaims {
		if err := r.poison(ctx, stream, entry); err != nil {
			return err
		}
		metrics.ReaperPoisonedTotal.WithLabelValues(stream).Inc()
		return r.store.StreamAck(ctx, stream, group, []string{entry.ID})
	}

	// Resurrect: republish under a fresh message id, then bury the original.
	if _, err := r.store.StreamPublish(ctx, stream, entry.Fields); err != nil {
		return fmt.Errorf("republish %s: %w", entry.ID, err)
	}
	if err := r.store.StreamAck(ctx, stream, group, []string{entry.ID}); err != nil {
		return fmt.Errorf("ack reclaimed %s: %w", entry.ID, err)
	}
	return nil
}

// poison routes a permanently stuck message to the dead-letter store
// instead of republishing it forever. Only tasks-stream messages carry
// enough fields (handler, config) to form a dead-letter entry; a
// completions-stream message that somehow exceeds the cap is simply
// dropped with a log line, since it already represents a terminal outcome
// the orchestrator itself will never be able to apply.
func (r *Reaper) poison(ctx context.Context, stream string, entry statestore.StreamEntry) error {
	if stream != r.cfg.TasksStream {
		r.log.Warn("dropping permanently stalled completion", "message_id", entry.ID, "fields", entry.Fields)
		return nil
	}

	task, err := types.ParseTaskMessage(entry.Fields)
	if err != nil {
		return fmt.Errorf("parse stalled task %s: %w", entry.ID, err)
	}

	dlqEntry := types.DeadLetterEntry{
		EntryID:        entryIDForPoisoned(entry.ID),
		ExecutionID:    task.ExecutionID,
		NodeID:         task.NodeID,
		Handler:        task.Handler,
		ResolvedConfig: task.ResolvedConfig,
		ErrorDetail: types.ErrorDetail{
			Category:  types.ErrorUnknown,
			Message:   fmt.Sprintf("message reclaimed by reaper with retry_count=%d exceeding cap=%d", task.RetryCount, r.cfg.MaxReclaims),
			Retryable: false,
		},
		RetryCount: task.RetryCount,
		CreatedAt:  time.Now(),
	}
	if err := r.dlq.Put(ctx, dlqEntry); err != nil {
		return fmt.Errorf("dead-letter poisoned task %s: %w", entry.ID, err)
	}
	r.log.Warn("routed permanently stalled task to dead-letter",
		"execution_id", task.ExecutionID, "node_id", task.NodeID, "retry_count", task.RetryCount)
	return nil
}

// entryIDForPoisoned derives a stable dead-letter entry id from the broker
// message id, so a reaper crash between Put and Ack does not create
// duplicate DLQ rows for the same stuck message on the next sweep.
func entryIDForPoisoned(messageID string) string {
	return "dlq-reclaimed-" + messageID
}
