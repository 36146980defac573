package dlq

import (
	"context"
	"sync"

	"github.com/mentatlab/dagflow/pkg/types"
)

// MemoryStore is an in-process Store for tests and single-binary demo runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]types.DeadLetterEntry
	order   []string
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]types.DeadLetterEntry)}
}

func (s *MemoryStore) Put(_ context.Context, entry types.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.EntryID] = entry
	s.order = append(s.order, entry.EntryID)
	return nil
}

func (s *MemoryStore) List(_ context.Context, executionID string) ([]types.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.DeadLetterEntry
	for _, id := range s.order {
		e, ok := s.entries[id]
		if !ok || e.ExecutionID != executionID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryID)
	for i, id := range s.order {
		if id == entryID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
