package defstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mentatlab/dagflow/pkg/types"
)

// RedisStore persists DAG definitions and terminal records in Redis as the
// hot-path copy of the definition repository. Definitions are written once
// and never mutated, matching the ownership rule in the data model.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-connected client; callers own the client's
// lifecycle via Close.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "workflow"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) keyDef(workflowID string) string {
	return fmt.Sprintf("%s:def:%s", s.prefix, workflowID)
}

func (s *RedisStore) keyTerminal(executionID string) string {
	return fmt.Sprintf("%s:terminal:%s", s.prefix, executionID)
}

func (s *RedisStore) SaveDAG(ctx context.Context, def types.DAGDefinition) error {
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode dag: %w", err)
	}
	if err := s.client.Set(ctx, s.keyDef(def.WorkflowID), b, 0).Err(); err != nil {
		return fmt.Errorf("save dag: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadDAG(ctx context.Context, workflowID string) (types.DAGDefinition, error) {
	v, err := s.client.Get(ctx, s.keyDef(workflowID)).Result()
	if errors.Is(err, redis.Nil) {
		return types.DAGDefinition{}, ErrDefinitionNotFound
	}
	if err != nil {
		return types.DAGDefinition{}, fmt.Errorf("load dag: %w", err)
	}
	var def types.DAGDefinition
	if err := json.Unmarshal([]byte(v), &def); err != nil {
		return types.DAGDefinition{}, fmt.Errorf("decode dag: %w", err)
	}
	return def, nil
}

func (s *RedisStore) RecordTerminal(ctx context.Context, record types.TerminalRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode terminal record: %w", err)
	}
	if err := s.client.Set(ctx, s.keyTerminal(record.ExecutionID), b, 0).Err(); err != nil {
		return fmt.Errorf("record terminal: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
