package defstore

import (
	"context"
	"sync"

	"github.com/mentatlab/dagflow/pkg/types"
)

// MemoryStore is an in-process Store for tests and single-binary demo runs.
type MemoryStore struct {
	mu        sync.Mutex
	defs      map[string]types.DAGDefinition
	terminals map[string]types.TerminalRecord
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:      make(map[string]types.DAGDefinition),
		terminals: make(map[string]types.TerminalRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveDAG(_ context.Context, def types.DAGDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[def.WorkflowID] = def
	return nil
}

func (s *MemoryStore) LoadDAG(_ context.Context, workflowID string) (types.DAGDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[workflowID]
	if !ok {
		return types.DAGDefinition{}, ErrDefinitionNotFound
	}
	return d, nil
}

func (s *MemoryStore) RecordTerminal(_ context.Context, record types.TerminalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals[record.ExecutionID] = record
	return nil
}

var _ Store = (*MemoryStore)(nil)
