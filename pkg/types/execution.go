package types

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the overall status of one execution of a DAG.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionCancelled ExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status admits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the per-node execution status, keyed by (execution_id, node_id).
type NodeStatus string

const (
	NodeWaiting   NodeStatus = "WAITING"
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// IsTerminal reports whether the node status admits no further transitions.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	default:
		return false
	}
}

// ErrorCategory classifies a failure for retry and DLQ decisions.
type ErrorCategory string

const (
	ErrorValidation  ErrorCategory = "validation"
	ErrorTimeout     ErrorCategory = "timeout"
	ErrorConnection  ErrorCategory = "connection"
	ErrorHandler     ErrorCategory = "handler"
	ErrorCircuitOpen ErrorCategory = "circuit_open"
	ErrorUnknown     ErrorCategory = "unknown"
)

// Retryable reports whether the category is retried by the worker pipeline.
func (c ErrorCategory) Retryable() bool {
	return c != ErrorValidation
}

// ErrorDetail is the structured error record carried on a failed node and in
// dead-letter entries.
type ErrorDetail struct {
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Traceback string        `json:"traceback,omitempty"`
	Retryable bool          `json:"retryable"`
}

// NodeState is the hot-store record of a single node within an execution.
type NodeState struct {
	Status     NodeStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorDetail    `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Execution is the hot-store aggregate record for one run of a DAG.
type Execution struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeadLetterEntry is a persisted record of a task that exhausted its retry
// budget, or whose handler is unregistered, or whose config failed schema
// validation. Deleted only by explicit operator action.
type DeadLetterEntry struct {
	EntryID         string          `json:"entry_id"`
	ExecutionID     string          `json:"execution_id"`
	NodeID          string          `json:"node_id"`
	Handler         string          `json:"handler"`
	OriginalConfig  json.RawMessage `json:"original_config,omitempty"`
	ResolvedConfig  json.RawMessage `json:"resolved_config,omitempty"`
	ErrorDetail     ErrorDetail     `json:"error_detail"`
	RetryCount      int             `json:"retry_count"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TerminalRecord is what the orchestrator hands to the definition repository
// once an execution reaches a terminal status, for cold-store archival.
type TerminalRecord struct {
	ExecutionID  string                     `json:"execution_id"`
	WorkflowID   string                     `json:"workflow_id"`
	FinalStatus  ExecutionStatus            `json:"final_status"`
	NodeOutputs  map[string]json.RawMessage `json:"node_outputs"`
	FinishedAt   time.Time                  `json:"finished_at"`
}
