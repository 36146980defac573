// Package orchestrator consumes completion events and advances the graph:
// fan-in serialization, template resolution, and dispatch, exactly the
// evaluation transaction the component design names. It never executes a
// handler itself; that is the worker's job.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mentatlab/dagflow/internal/dag"
	"github.com/mentatlab/dagflow/internal/defstore"
	"github.com/mentatlab/dagflow/internal/metrics"
	"github.com/mentatlab/dagflow/internal/statestore"
	"github.com/mentatlab/dagflow/internal/template"
	"github.com/mentatlab/dagflow/internal/tracing"
	"github.com/mentatlab/dagflow/pkg/types"
)

// Config holds the orchestrator's configuration surface, matching the
// external interfaces defaults.
type Config struct {
	BatchSize               int
	BlockMs                 int
	LockTTL                 time.Duration
	CompletionReclaimIdleMs int64
	WorkflowTimeout         time.Duration

	TasksStream       string
	CompletionsStream string
	DLQStream         string
	Group             string
	ConsumerName      string
}

// Orchestrator runs the evaluation transaction over a completions stream
// consumer group. Multiple instances may run concurrently against the same
// group; correctness relies entirely on the state store's CAS and locks.
type Orchestrator struct {
	store statestore.Store
	defs  defstore.Store
	conds *template.ConditionEvaluator
	cfg   Config
	log   *slog.Logger

	graphsMu sync.RWMutex
	graphs   map[string]*dag.Graph
}

// New returns an Orchestrator ready to Run.
func New(store statestore.Store, defs defstore.Store, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "orchestrator-" + uuid.NewString()
	}
	return &Orchestrator{
		store:  store,
		defs:   defs,
		conds:  template.NewConditionEvaluator(),
		cfg:    cfg,
		log:    log,
		graphs: make(map[string]*dag.Graph),
	}
}

// Submit validates def, persists it, seeds per-node state at WAITING, and
// dispatches every root node whose condition (if any) passes. It returns the
// new execution id.
func (o *Orchestrator) Submit(ctx context.Context, def types.DAGDefinition) (string, error) {
	graph, err := dag.Validate(def)
	if err != nil {
		return "", err
	}
	if err := o.defs.SaveDAG(ctx, def); err != nil {
		return "", fmt.Errorf("save dag: %w", err)
	}

	executionID := uuid.NewString()
	now := time.Now()
	if err := o.store.ExecutionPut(ctx, types.Execution{
		ExecutionID: executionID,
		WorkflowID:  def.WorkflowID,
		Status:      types.ExecutionRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	if err := o.store.StatusInit(ctx, executionID, graph.Nodes()); err != nil {
		return "", fmt.Errorf("init node state: %w", err)
	}

	o.cacheGraph(def.WorkflowID, graph)
	metrics.ExecutionsActive.Inc()

	for _, rootID := range graph.Roots() {
		if err := o.tryDispatch(ctx, executionID, graph, rootID, template.Outputs{}); err != nil {
			o.log.Error("dispatch root failed", "execution_id", executionID, "node_id", rootID, "error", err)
		}
	}
	return executionID, nil
}

// Cancel marks an execution CANCELLED. In-flight handlers are allowed to
// finish; their completions are dropped at the cancellation gate.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	exec, err := o.store.ExecutionGet(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	ok, err := o.store.ExecutionCAS(ctx, executionID, exec.Status, types.ExecutionCancelled)
	if err != nil {
		return err
	}
	if ok {
		metrics.ExecutionsActive.Dec()
	}
	return nil
}

// Run joins the completions consumer group and processes messages until ctx
// is cancelled. A separate goroutine runs the periodic zombie reclaim.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.store.StreamEnsureGroup(ctx, o.cfg.CompletionsStream, o.cfg.Group); err != nil {
		return fmt.Errorf("ensure completions group: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.reclaimLoop(ctx)
	}()

	for {
		if ctx.Err() != nil {
			wg.Wait()
			return ctx.Err()
		}

		entries, err := o.store.StreamConsume(ctx, o.cfg.CompletionsStream, o.cfg.Group, o.cfg.ConsumerName, o.cfg.BatchSize, o.cfg.BlockMs)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return ctx.Err()
			}
			o.log.Error("consume completions failed", "error", err)
			continue
		}

		for _, entry := range entries {
			o.processEntry(ctx, entry)
		}
	}
}

// reclaimIntervalSeconds matches "every few seconds" for zombie reclaim.
const reclaimIntervalSeconds = 5

func (o *Orchestrator) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimIntervalSeconds * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := o.store.StreamReclaim(ctx, o.cfg.CompletionsStream, o.cfg.Group, o.cfg.ConsumerName, o.cfg.CompletionReclaimIdleMs, 100)
			if err != nil {
				o.log.Error("reclaim completions failed", "error", err)
			} else {
				for _, entry := range entries {
					metrics.ReaperReclaimedTotal.WithLabelValues(o.cfg.CompletionsStream).Inc()
					o.processEntry(ctx, entry)
				}
			}
			o.sweepTimeouts(ctx)
		}
	}
}

// sweepTimeouts implements the workflow-level timeout sweep: an execution
// whose wall-clock age exceeds cfg.WorkflowTimeout is failed outright, even
// if no single node ever breached its own handler timeout.
func (o *Orchestrator) sweepTimeouts(ctx context.Context) {
	if o.cfg.WorkflowTimeout <= 0 {
		return
	}
	ids, err := o.store.ActiveExecutionIDs(ctx)
	if err != nil {
		o.log.Error("list active executions failed", "error", err)
		return
	}

	deadline := time.Now().Add(-o.cfg.WorkflowTimeout)
	for _, id := range ids {
		exec, err := o.store.ExecutionGet(ctx, id)
		if err != nil {
			continue
		}
		if exec.Status.IsTerminal() || exec.CreatedAt.After(deadline) {
			continue
		}
		ok, err := o.store.ExecutionCAS(ctx, id, exec.Status, types.ExecutionFailed)
		if err != nil {
			o.log.Error("timeout sweep cas failed", "execution_id", id, "error", err)
			continue
		}
		if ok {
			o.log.Warn("execution failed by workflow timeout sweep", "execution_id", id, "age", time.Since(exec.CreatedAt))
			metrics.ExecutionsTotal.WithLabelValues(string(types.ExecutionFailed)).Inc()
			metrics.ExecutionsActive.Dec()
		}
	}
}

func (o *Orchestrator) processEntry(ctx context.Context, entry statestore.StreamEntry) {
	tracer := tracing.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "evaluate_completion")
	defer span.End()

	start := time.Now()
	outcome, err := o.evaluateCompletion(ctx, entry.Fields)
	metrics.EvaluationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		o.log.Error("evaluation transaction failed, leaving unacknowledged for reaper",
			"message_id", entry.ID, "error", err)
		return
	}
	if err := o.store.StreamAck(ctx, o.cfg.CompletionsStream, o.cfg.Group, []string{entry.ID}); err != nil {
		o.log.Error("ack completion failed", "message_id", entry.ID, "error", err)
	}
}

// evaluateCompletion runs the six-step evaluation transaction for one
// completion message and returns an outcome label for metrics.
func (o *Orchestrator) evaluateCompletion(ctx context.Context, fields map[string]string) (string, error) {
	msg, err := types.ParseCompletionMessage(fields)
	if err != nil {
		return "failed", fmt.Errorf("parse completion: %w", err)
	}
	if msg.SchemaVersion > types.CurrentSchemaVersion {
		return "failed", fmt.Errorf("completion for %s/%s carries unsupported schema_version %d", msg.ExecutionID, msg.NodeID, msg.SchemaVersion)
	}

	// Step 1: apply the completion to state.
	applied, err := o.applyCompletion(ctx, msg)
	if err != nil {
		return "failed", err
	}
	if !applied {
		return "duplicate", nil
	}

	exec, err := o.store.ExecutionGet(ctx, msg.ExecutionID)
	if err != nil {
		return "failed", fmt.Errorf("load execution %s: %w", msg.ExecutionID, err)
	}

	// Step 2: cancellation gate.
	if exec.Status == types.ExecutionCancelled {
		return "skipped", nil
	}

	graph, err := o.graphFor(ctx, exec.WorkflowID)
	if err != nil {
		return "failed", fmt.Errorf("load graph for %s: %w", exec.WorkflowID, err)
	}

	// Step 3: fail-fast propagation.
	if msg.Status == types.NodeFailed {
		if err := o.propagateFailure(ctx, msg.ExecutionID, graph, msg.NodeID); err != nil {
			return "failed", err
		}
	}

	// Step 4 + 5: find children, evaluate fan-in, dispatch.
	dispatched := 0
	for _, childID := range graph.Children(msg.NodeID) {
		ready, err := o.isChildReady(ctx, msg.ExecutionID, graph, childID)
		if err != nil {
			return "failed", err
		}
		if !ready {
			continue
		}
		if err := o.tryDispatch(ctx, msg.ExecutionID, graph, childID, nil); err != nil {
			o.log.Error("fan-in dispatch failed", "execution_id", msg.ExecutionID, "node_id", childID, "error", err)
			continue
		}
		dispatched++
	}

	// Step 6: terminal execution transition.
	if err := o.maybeFinalize(ctx, msg.ExecutionID, graph); err != nil {
		o.log.Error("finalize execution failed", "execution_id", msg.ExecutionID, "error", err)
	}

	if dispatched > 0 {
		return "dispatched", nil
	}
	return "no_op", nil
}

// applyCompletion performs step 1: CAS the node from RUNNING (or PENDING, if
// the worker skipped the intermediate transition) to its terminal status.
func (o *Orchestrator) applyCompletion(ctx context.Context, msg types.CompletionMessage) (bool, error) {
	now := time.Now()
	update := statestore.NodeStateUpdate{FinishedAt: &now}
	if msg.Status == types.NodeCompleted {
		update.Output = msg.Output
	} else {
		update.Error = msg.Error
	}

	for _, expected := range []types.NodeStatus{types.NodeRunning, types.NodePending} {
		ok, err := o.store.StatusCAS(ctx, msg.ExecutionID, msg.NodeID, expected, msg.Status, update)
		if err != nil {
			return false, fmt.Errorf("status_cas %s/%s: %w", msg.ExecutionID, msg.NodeID, err)
		}
		if ok {
			if msg.Status == types.NodeCompleted {
				if err := o.store.OutputPut(ctx, msg.ExecutionID, msg.NodeID, msg.Output); err != nil {
					return false, fmt.Errorf("output_put %s/%s: %w", msg.ExecutionID, msg.NodeID, err)
				}
			}
			return true, nil
		}
	}

	current, err := o.store.StatusGet(ctx, msg.ExecutionID, msg.NodeID)
	if err != nil {
		return false, fmt.Errorf("status_get %s/%s: %w", msg.ExecutionID, msg.NodeID, err)
	}
	if current.Status.IsTerminal() {
		return false, nil // duplicate redelivery
	}
	return false, fmt.Errorf("completion for %s/%s could not be applied from status %s", msg.ExecutionID, msg.NodeID, current.Status)
}

// propagateFailure marks every strict descendant of a failed node that is
// still WAITING as SKIPPED, never touching a node already running or terminal.
func (o *Orchestrator) propagateFailure(ctx context.Context, executionID string, graph *dag.Graph, failedNode string) error {
	now := time.Now()
	for _, descendant := range graph.Descendants(failedNode) {
		if _, err := o.store.StatusCAS(ctx, executionID, descendant, types.NodeWaiting, types.NodeSkipped,
			statestore.NodeStateUpdate{FinishedAt: &now}); err != nil {
			return fmt.Errorf("skip descendant %s: %w", descendant, err)
		}
	}
	return nil
}

// isChildReady performs step 4: a child is a dispatch candidate once every
// parent is COMPLETED or SKIPPED.
func (o *Orchestrator) isChildReady(ctx context.Context, executionID string, graph *dag.Graph, childID string) (bool, error) {
	parents := graph.Parents(childID)
	if len(parents) == 0 {
		return false, nil
	}
	statuses, err := o.store.StatusMGet(ctx, executionID, parents)
	if err != nil {
		return false, fmt.Errorf("status_mget parents of %s: %w", childID, err)
	}
	for _, p := range parents {
		state, ok := statuses[p]
		if !ok {
			return false, nil
		}
		if state.Status != types.NodeCompleted && state.Status != types.NodeSkipped {
			return false, nil
		}
	}
	return true, nil
}

// tryDispatch performs step 5, the fan-in-serialised dispatch of a single
// candidate node: lock, re-check, resolve templates and condition, CAS to
// PENDING, publish, unlock. outputs, when nil, is computed from the node's
// declared dependencies; callers that already know the environment (e.g.
// Submit dispatching a root with no dependencies) may pass it directly.
func (o *Orchestrator) tryDispatch(ctx context.Context, executionID string, graph *dag.Graph, nodeID string, outputs template.Outputs) error {
	node, ok := graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %s not found in graph", nodeID)
	}

	token := uuid.NewString()
	lockKey := fmt.Sprintf("lock:eval:%s:%s", executionID, nodeID)
	acquired, err := o.store.LockAcquire(ctx, lockKey, token, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("lock_acquire %s: %w", lockKey, err)
	}
	if !acquired {
		return nil // another orchestrator owns this dispatch
	}
	defer func() {
		if _, err := o.store.LockRelease(ctx, lockKey, token); err != nil {
			o.log.Error("lock_release failed", "key", lockKey, "error", err)
		}
	}()

	current, err := o.store.StatusGet(ctx, executionID, nodeID)
	if err != nil {
		return fmt.Errorf("status_get %s: %w", nodeID, err)
	}
	if current.Status != types.NodeWaiting {
		return nil // raced; another instance already advanced it
	}

	if outputs == nil {
		outputs, err = o.gatherOutputs(ctx, executionID, node.Dependencies)
		if err != nil {
			return o.failNode(ctx, executionID, nodeID, types.ErrorDetail{
				Category: types.ErrorValidation,
				Message:  err.Error(),
			})
		}
	}

	passed, err := o.conds.Evaluate(node.Condition, outputs)
	if err != nil {
		return o.failNode(ctx, executionID, nodeID, types.ErrorDetail{
			Category: types.ErrorValidation,
			Message:  err.Error(),
		})
	}
	if !passed {
		now := time.Now()
		skipped, err := o.store.StatusCAS(ctx, executionID, nodeID, types.NodeWaiting, types.NodeSkipped,
			statestore.NodeStateUpdate{FinishedAt: &now})
		if err != nil || !skipped {
			return err
		}
		// A skipped node publishes no completion, so its children are
		// evaluated here, exactly as if it had completed.
		for _, childID := range graph.Children(nodeID) {
			ready, err := o.isChildReady(ctx, executionID, graph, childID)
			if err != nil {
				return err
			}
			if ready {
				if err := o.tryDispatch(ctx, executionID, graph, childID, nil); err != nil {
					return err
				}
			}
		}
		return nil
	}

	resolved, err := template.ResolveConfig(node.Config, outputs)
	if err != nil {
		return o.failNode(ctx, executionID, nodeID, types.ErrorDetail{
			Category: types.ErrorValidation,
			Message:  err.Error(),
		})
	}

	now := time.Now()
	ok2, err := o.store.StatusCAS(ctx, executionID, nodeID, types.NodeWaiting, types.NodePending,
		statestore.NodeStateUpdate{StartedAt: &now})
	if err != nil {
		return fmt.Errorf("status_cas %s waiting->pending: %w", nodeID, err)
	}
	if !ok2 {
		return nil // raced
	}

	task := types.TaskMessage{
		ExecutionID:    executionID,
		NodeID:         nodeID,
		Handler:        node.Handler,
		ResolvedConfig: resolved,
		RetryCount:     0,
		SchemaVersion:  types.CurrentSchemaVersion,
	}
	if _, err := o.store.StreamPublish(ctx, o.cfg.TasksStream, task.ToFields()); err != nil {
		return fmt.Errorf("publish task %s: %w", nodeID, err)
	}
	metrics.NodesDispatchedTotal.WithLabelValues(node.Handler).Inc()
	return nil
}

// failNode transitions a node straight to FAILED with a validation error,
// used when resolution or condition evaluation fails before dispatch.
func (o *Orchestrator) failNode(ctx context.Context, executionID, nodeID string, detail types.ErrorDetail) error {
	detail.Retryable = false
	now := time.Now()
	_, err := o.store.StatusCAS(ctx, executionID, nodeID, types.NodeWaiting, types.NodeFailed,
		statestore.NodeStateUpdate{Error: &detail, FinishedAt: &now})
	return err
}

// gatherOutputs decodes the outputs of every dependency of a node, the
// environment templates and conditions are evaluated against.
func (o *Orchestrator) gatherOutputs(ctx context.Context, executionID string, dependencies []string) (template.Outputs, error) {
	if len(dependencies) == 0 {
		return template.Outputs{}, nil
	}
	raw, err := o.store.OutputMGet(ctx, executionID, dependencies)
	if err != nil {
		return nil, fmt.Errorf("output_mget: %w", err)
	}
	decodeInput := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		decodeInput[k] = json.RawMessage(v)
	}
	return template.DecodeOutputs(decodeInput)
}

// maybeFinalize performs step 6: once no node is left WAITING, PENDING, or
// RUNNING, the execution transitions to COMPLETED or FAILED and is archived.
func (o *Orchestrator) maybeFinalize(ctx context.Context, executionID string, graph *dag.Graph) error {
	statuses, err := o.store.StatusMGet(ctx, executionID, graph.Nodes())
	if err != nil {
		return fmt.Errorf("status_mget all nodes: %w", err)
	}

	anyFailed := false
	for _, id := range graph.Nodes() {
		state, ok := statuses[id]
		if !ok {
			return nil // not all node state observed yet; try again next completion
		}
		switch state.Status {
		case types.NodeWaiting, types.NodePending, types.NodeRunning:
			return nil // still work in flight
		case types.NodeFailed:
			anyFailed = true
		}
	}

	final := types.ExecutionCompleted
	if anyFailed {
		final = types.ExecutionFailed
	}

	ok, err := o.store.ExecutionCAS(ctx, executionID, types.ExecutionRunning, final)
	if err != nil {
		return fmt.Errorf("execution_cas %s: %w", executionID, err)
	}
	if !ok {
		return nil // already finalised by another replica, or cancelled concurrently
	}

	metrics.ExecutionsTotal.WithLabelValues(string(final)).Inc()
	metrics.ExecutionsActive.Dec()
	return o.archiveTerminal(ctx, executionID, final, graph)
}

func (o *Orchestrator) archiveTerminal(ctx context.Context, executionID string, final types.ExecutionStatus, graph *dag.Graph) error {
	outputs, err := o.store.OutputMGet(ctx, executionID, graph.Nodes())
	if err != nil {
		return fmt.Errorf("output_mget for archival: %w", err)
	}
	record := types.TerminalRecord{
		ExecutionID: executionID,
		WorkflowID:  graph.WorkflowID(),
		FinalStatus: final,
		NodeOutputs: make(map[string]json.RawMessage, len(outputs)),
		FinishedAt:  time.Now(),
	}
	for k, v := range outputs {
		record.NodeOutputs[k] = json.RawMessage(v)
	}
	return o.defs.RecordTerminal(ctx, record)
}

func (o *Orchestrator) graphFor(ctx context.Context, workflowID string) (*dag.Graph, error) {
	o.graphsMu.RLock()
	g, ok := o.graphs[workflowID]
	o.graphsMu.RUnlock()
	if ok {
		return g, nil
	}

	def, err := o.defs.LoadDAG(ctx, workflowID)
	if err != nil {
		if errors.Is(err, defstore.ErrDefinitionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load dag %s: %w", workflowID, err)
	}
	g, err = dag.Validate(def)
	if err != nil {
		return nil, fmt.Errorf("dag %s failed re-validation: %w", workflowID, err)
	}
	o.cacheGraph(workflowID, g)
	return g, nil
}

func (o *Orchestrator) cacheGraph(workflowID string, g *dag.Graph) {
	o.graphsMu.Lock()
	o.graphs[workflowID] = g
	o.graphsMu.Unlock()
}
