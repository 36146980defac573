package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CurrentSchemaVersion is the schema_version stamped on messages this build
// produces. Consumers that see a higher version must leave the message
// un-acknowledged for operator intervention and eventual reaper reclaim.
const CurrentSchemaVersion = 1

// TaskMessage is published on the tasks stream by the orchestrator (and
// republished by the worker on retry).
type TaskMessage struct {
	ExecutionID    string          `json:"execution_id"`
	NodeID         string          `json:"node_id"`
	Handler        string          `json:"handler"`
	ResolvedConfig json.RawMessage `json:"resolved_config"`
	RetryCount     int             `json:"retry_count"`
	SchemaVersion  int             `json:"schema_version"`
}

// CompletionMessage is published on the completions stream by the worker.
type CompletionMessage struct {
	ExecutionID   string          `json:"execution_id"`
	NodeID        string          `json:"node_id"`
	Status        NodeStatus      `json:"status"` // COMPLETED or FAILED
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
	SchemaVersion int             `json:"schema_version"`
}

// ToFields renders the message as the flat string fields the external
// interfaces name for the tasks stream.
func (m TaskMessage) ToFields() map[string]string {
	return map[string]string{
		"execution_id":    m.ExecutionID,
		"node_id":         m.NodeID,
		"handler":         m.Handler,
		"resolved_config": string(m.ResolvedConfig),
		"retry_count":     strconv.Itoa(m.RetryCount),
		"schema_version":  strconv.Itoa(m.SchemaVersion),
	}
}

// ParseTaskMessage decodes a tasks-stream field set back into a TaskMessage.
func ParseTaskMessage(fields map[string]string) (TaskMessage, error) {
	retryCount, err := strconv.Atoi(fields["retry_count"])
	if err != nil {
		return TaskMessage{}, fmt.Errorf("parse retry_count: %w", err)
	}
	schemaVersion, err := strconv.Atoi(fields["schema_version"])
	if err != nil {
		return TaskMessage{}, fmt.Errorf("parse schema_version: %w", err)
	}
	return TaskMessage{
		ExecutionID:    fields["execution_id"],
		NodeID:         fields["node_id"],
		Handler:        fields["handler"],
		ResolvedConfig: json.RawMessage(fields["resolved_config"]),
		RetryCount:     retryCount,
		SchemaVersion:  schemaVersion,
	}, nil
}

// ToFields renders the message as the flat string fields the external
// interfaces name for the completions stream.
func (m CompletionMessage) ToFields() map[string]string {
	fields := map[string]string{
		"execution_id":   m.ExecutionID,
		"node_id":        m.NodeID,
		"status":         string(m.Status),
		"schema_version": strconv.Itoa(m.SchemaVersion),
	}
	if len(m.Output) > 0 {
		fields["output"] = string(m.Output)
	}
	if m.Error != nil {
		if b, err := json.Marshal(m.Error); err == nil {
			fields["error"] = string(b)
		}
	}
	return fields
}

// ParseCompletionMessage decodes a completions-stream field set back into a
// CompletionMessage.
func ParseCompletionMessage(fields map[string]string) (CompletionMessage, error) {
	schemaVersion, err := strconv.Atoi(fields["schema_version"])
	if err != nil {
		return CompletionMessage{}, fmt.Errorf("parse schema_version: %w", err)
	}
	msg := CompletionMessage{
		ExecutionID:   fields["execution_id"],
		NodeID:        fields["node_id"],
		Status:        NodeStatus(fields["status"]),
		SchemaVersion: schemaVersion,
	}
	if out, ok := fields["output"]; ok && out != "" {
		msg.Output = json.RawMessage(out)
	}
	if errField, ok := fields["error"]; ok && errField != "" {
		var detail ErrorDetail
		if err := json.Unmarshal([]byte(errField), &detail); err != nil {
			return CompletionMessage{}, fmt.Errorf("parse error field: %w", err)
		}
		msg.Error = &detail
	}
	return msg, nil
}

// RetryCountFromFields reads a best-effort retry_count out of a raw field
// set, defaulting to 0 when absent (the completions stream carries none).
func RetryCountFromFields(fields map[string]string) int {
	n, err := strconv.Atoi(fields["retry_count"])
	if err != nil {
		return 0
	}
	return n
}
