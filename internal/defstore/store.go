// Package defstore is the definition repository: the cold store for
// immutable DAG definitions and terminal execution history. The core only
// requires save_dag/load_dag/record_terminal; everything else here is
// plumbing to satisfy those three operations durably.
package defstore

import (
	"context"
	"errors"

	"github.com/mentatlab/dagflow/pkg/types"
)

// ErrDefinitionNotFound is returned when no DAG is stored under a workflow id.
var ErrDefinitionNotFound = errors.New("defstore: definition not found")

// Store is the definition repository surface.
type Store interface {
	// SaveDAG persists a definition once; definitions are immutable after
	// submission.
	SaveDAG(ctx context.Context, def types.DAGDefinition) error
	// LoadDAG retrieves a previously saved definition by workflow id.
	LoadDAG(ctx context.Context, workflowID string) (types.DAGDefinition, error)
	// RecordTerminal archives the outcome of a finished execution.
	RecordTerminal(ctx context.Context, record types.TerminalRecord) error
	// Close releases underlying resources.
	Close() error
}
