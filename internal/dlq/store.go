// Package dlq persists dead-letter entries: tasks that exhausted their retry
// budget, named an unregistered handler, or failed config validation.
// Entries are append-only and removed only by explicit operator action.
package dlq

import (
	"context"

	"github.com/mentatlab/dagflow/pkg/types"
)

// Store is the dead-letter entry repository.
type Store interface {
	// Put appends a new entry.
	Put(ctx context.Context, entry types.DeadLetterEntry) error
	// List returns every entry for an execution, oldest first.
	List(ctx context.Context, executionID string) ([]types.DeadLetterEntry, error)
	// Delete removes an entry by id; the only way entries are ever removed.
	Delete(ctx context.Context, entryID string) error
}
