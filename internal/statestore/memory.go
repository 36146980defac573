package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mentatlab/dagflow/pkg/types"
)

// MemoryStore is an in-process Store used by tests and by single-binary demo
// runs. Streams are modelled as ordered slices guarded by a mutex; there is
// no real blocking wait, StreamConsume simply returns what is available.
type MemoryStore struct {
	mu sync.Mutex

	status     map[string]types.NodeState // "exec:node"
	outputs    map[string][]byte
	idempotent map[string]time.Time
	locks      map[string]lockEntry
	executions map[string]types.Execution

	streams map[string]*memStream
	rate    map[string]rateEntry

	seq int
}

type lockEntry struct {
	owner   string
	expires time.Time
}

type rateEntry struct {
	count   int64
	resetAt time.Time
}

type memMessage struct {
	id      string
	fields  map[string]string
	claimer string
	claimed time.Time
	acked   bool
}

type memStream struct {
	messages []*memMessage
	groups   map[string]bool
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		status:     make(map[string]types.NodeState),
		outputs:    make(map[string][]byte),
		idempotent: make(map[string]time.Time),
		locks:      make(map[string]lockEntry),
		executions: make(map[string]types.Execution),
		streams:    make(map[string]*memStream),
		rate:       make(map[string]rateEntry),
	}
}

func (s *MemoryStore) Close() error { return nil }

func statusKey(executionID, nodeID string) string { return executionID + ":" + nodeID }

func (s *MemoryStore) StatusGet(_ context.Context, executionID, nodeID string) (types.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[statusKey(executionID, nodeID)]
	if !ok {
		return types.NodeState{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) StatusMGet(_ context.Context, executionID string, nodeIDs []string) (map[string]types.NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.NodeState, len(nodeIDs))
	for _, id := range nodeIDs {
		if st, ok := s.status[statusKey(executionID, id)]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (s *MemoryStore) StatusInit(_ context.Context, executionID string, nodeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range nodeIDs {
		s.status[statusKey(executionID, id)] = types.NodeState{Status: types.NodeWaiting}
	}
	return nil
}

func (s *MemoryStore) StatusCAS(_ context.Context, executionID, nodeID string, expected, next types.NodeStatus, extra NodeStateUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statusKey(executionID, nodeID)
	cur := s.status[key]
	if cur.Status != expected {
		return false, nil
	}
	cur.Status = next
	if extra.Output != nil {
		cur.Output = append([]byte(nil), extra.Output...)
	}
	if extra.Error != nil {
		e := *extra.Error
		cur.Error = &e
	}
	if extra.RetryCount != nil {
		cur.RetryCount = *extra.RetryCount
	}
	if extra.StartedAt != nil {
		t := *extra.StartedAt
		cur.StartedAt = &t
	}
	if extra.FinishedAt != nil {
		t := *extra.FinishedAt
		cur.FinishedAt = &t
	}
	s.status[key] = cur
	return true, nil
}

func (s *MemoryStore) OutputPut(_ context.Context, executionID, nodeID string, output []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[statusKey(executionID, nodeID)] = append([]byte(nil), output...)
	return nil
}

func (s *MemoryStore) OutputMGet(_ context.Context, executionID string, nodeIDs []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(nodeIDs))
	for _, id := range nodeIDs {
		if v, ok := s.outputs[statusKey(executionID, id)]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) IdempotencyTryClaim(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if exp, ok := s.idempotent[fingerprint]; ok && exp.After(now) {
		return false, nil
	}
	s.idempotent[fingerprint] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) LockAcquire(_ context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if l, ok := s.locks[key]; ok && l.expires.After(now) {
		return false, nil
	}
	s.locks[key] = lockEntry{owner: ownerToken, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) LockRelease(_ context.Context, key, ownerToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.owner != ownerToken {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *MemoryStore) ExecutionGet(_ context.Context, executionID string) (types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return types.Execution{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) ExecutionPut(_ context.Context, exec types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ExecutionID] = exec
	return nil
}

func (s *MemoryStore) ExecutionCAS(_ context.Context, executionID string, expected, next types.ExecutionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok || e.Status != expected {
		return false, nil
	}
	e.Status = next
	e.UpdatedAt = time.Now().UTC()
	s.executions[executionID] = e
	return true, nil
}

func (s *MemoryStore) ActiveExecutionIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, e := range s.executions {
		if !e.Status.IsTerminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) stream(name string) *memStream {
	st, ok := s.streams[name]
	if !ok {
		st = &memStream{groups: make(map[string]bool)}
		s.streams[name] = st
	}
	return st
}

func (s *MemoryStore) StreamPublish(_ context.Context, streamName string, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	st := s.stream(streamName)
	st.messages = append(st.messages, &memMessage{id: id, fields: cloneFields(fields)})
	return id, nil
}

func cloneFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) StreamEnsureGroup(_ context.Context, streamName, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream(streamName).groups[group] = true
	return nil
}

func (s *MemoryStore) StreamConsume(_ context.Context, streamName, group, consumer string, count int, _ int) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(streamName)
	st.groups[group] = true

	var out []StreamEntry
	for _, m := range st.messages {
		if len(out) >= count {
			break
		}
		if m.acked || m.claimer != "" {
			continue
		}
		m.claimer = consumer
		m.claimed = time.Now()
		out = append(out, StreamEntry{ID: m.id, Fields: cloneFields(m.fields)})
	}
	return out, nil
}

func (s *MemoryStore) StreamAck(_ context.Context, streamName, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(streamName)
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, m := range st.messages {
		if idSet[m.id] {
			m.acked = true
		}
	}
	return nil
}

func (s *MemoryStore) StreamReclaim(_ context.Context, streamName, _, newConsumer string, minIdleMs int64, count int) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stream(streamName)
	threshold := time.Duration(minIdleMs) * time.Millisecond

	var out []StreamEntry
	for _, m := range st.messages {
		if len(out) >= count {
			break
		}
		if m.acked || m.claimer == "" {
			continue
		}
		if time.Since(m.claimed) < threshold {
			continue
		}
		m.claimer = newConsumer
		m.claimed = time.Now()
		out = append(out, StreamEntry{ID: m.id, Fields: cloneFields(m.fields)})
	}
	return out, nil
}

func (s *MemoryStore) RateWindowIncr(_ context.Context, key string, windowSeconds int, limit int64) (RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e, ok := s.rate[key]
	if !ok || e.resetAt.Before(now) {
		e = rateEntry{count: 0, resetAt: now.Add(time.Duration(windowSeconds) * time.Second)}
	}
	e.count++
	s.rate[key] = e

	remaining := limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: e.count <= limit, Remaining: remaining, ResetAt: e.resetAt}, nil
}

var _ Store = (*MemoryStore)(nil)
