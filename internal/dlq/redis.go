package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mentatlab/dagflow/pkg/types"
)

// RedisStore persists each dead-letter entry as a JSON blob under its own
// key, plus a Redis list of entry ids per execution, reusing the same client the rest of the hot path uses
// rather than introducing a second broker abstraction.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an already-connected client; callers own its lifecycle.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "workflow"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyList(executionID string) string {
	return fmt.Sprintf("%s:dlq:%s", s.prefix, executionID)
}

func (s *RedisStore) keyEntry(entryID string) string {
	return fmt.Sprintf("%s:dlq:entry:%s", s.prefix, entryID)
}

func (s *RedisStore) Put(ctx context.Context, entry types.DeadLetterEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyEntry(entry.EntryID), b, 0)
	pipe.RPush(ctx, s.keyList(entry.ExecutionID), entry.EntryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put dead-letter entry: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, executionID string) ([]types.DeadLetterEntry, error) {
	ids, err := s.client.LRange(ctx, s.keyList(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead-letter ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.keyEntry(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget dead-letter entries: %w", err)
	}

	out := make([]types.DeadLetterEntry, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var entry types.DeadLetterEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			return nil, fmt.Errorf("decode dead-letter entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, entryID string) error {
	if err := s.client.Del(ctx, s.keyEntry(entryID)).Err(); err != nil {
		return fmt.Errorf("delete dead-letter entry: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
