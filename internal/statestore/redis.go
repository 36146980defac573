package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mentatlab/dagflow/pkg/types"
)

// releaseScript deletes key only if its current value matches owner, making
// lock release atomic with respect to ownership instead of an unconditional
// DEL that could remove a lock a later holder has since acquired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// RedisConfig configures the Redis-backed Store.
type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	Prefix       string
	TerminalTTL  time.Duration
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig mirrors the defaults named in the configuration surface.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "workflow",
		TerminalTTL:  24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements Store over go-redis, namespacing keys and streams per
// the external-interfaces key layout.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore dials Redis per cfg and verifies connectivity with a ping.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "workflow"
	}

	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TerminalTTL}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) keyStatus(executionID, nodeID string) string {
	return fmt.Sprintf("%s:status:%s:%s", s.prefix, executionID, nodeID)
}

func (s *RedisStore) keyOutput(executionID, nodeID string) string {
	return fmt.Sprintf("%s:output:%s:%s", s.prefix, executionID, nodeID)
}

func (s *RedisStore) keyIdempotency(fingerprint string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, fingerprint)
}

func (s *RedisStore) keyLock(key string) string {
	return fmt.Sprintf("%s:lock:%s", s.prefix, key)
}

func (s *RedisStore) keyExecution(executionID string) string {
	return fmt.Sprintf("%s:meta:execution:%s", s.prefix, executionID)
}

func (s *RedisStore) keyRate(key string) string {
	return fmt.Sprintf("%s:rate:%s", s.prefix, key)
}

// StatusGet reads the node state hash for (executionID, nodeID).
func (s *RedisStore) StatusGet(ctx context.Context, executionID, nodeID string) (types.NodeState, error) {
	fields, err := s.client.HGetAll(ctx, s.keyStatus(executionID, nodeID)).Result()
	if err != nil {
		return types.NodeState{}, fmt.Errorf("status get: %w", err)
	}
	if len(fields) == 0 {
		return types.NodeState{}, ErrNotFound
	}
	return decodeNodeState(fields)
}

// StatusMGet fetches several node states in a single pipeline round-trip.
func (s *RedisStore) StatusMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string]types.NodeState, error) {
	if len(nodeIDs) == 0 {
		return map[string]types.NodeState{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(nodeIDs))
	for _, id := range nodeIDs {
		cmds[id] = pipe.HGetAll(ctx, s.keyStatus(executionID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("status mget: %w", err)
	}

	out := make(map[string]types.NodeState, len(nodeIDs))
	for id, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		st, err := decodeNodeState(fields)
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// StatusInit seeds every node of an execution at WAITING with retry_count 0.
func (s *RedisStore) StatusInit(ctx context.Context, executionID string, nodeIDs []string) error {
	pipe := s.client.Pipeline()
	for _, id := range nodeIDs {
		pipe.HSet(ctx, s.keyStatus(executionID, id), map[string]any{
			"status":      string(types.NodeWaiting),
			"retry_count": "0",
		})
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("status init: %w", err)
	}
	return nil
}

// StatusCAS is implemented with WATCH/MULTI so the read-modify-write of
// status is atomic with respect to other callers racing the same key.
func (s *RedisStore) StatusCAS(ctx context.Context, executionID, nodeID string, expected, next types.NodeStatus, extra NodeStateUpdate) (bool, error) {
	key := s.keyStatus(executionID, nodeID)
	applied := false

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if types.NodeStatus(current) != expected {
			return nil
		}

		fields := map[string]any{"status": string(next)}
		if extra.Output != nil {
			fields["output"] = string(extra.Output)
		}
		if extra.Error != nil {
			b, err := json.Marshal(extra.Error)
			if err != nil {
				return err
			}
			fields["error"] = string(b)
		}
		if extra.RetryCount != nil {
			fields["retry_count"] = strconv.Itoa(*extra.RetryCount)
		}
		if extra.StartedAt != nil {
			fields["started_at"] = extra.StartedAt.Format(time.RFC3339Nano)
		}
		if extra.FinishedAt != nil {
			fields["finished_at"] = extra.FinishedAt.Format(time.RFC3339Nano)
		}

		_, err = tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if types.NodeStatus(next).IsTerminal() && s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if err != nil {
		return false, fmt.Errorf("status cas: %w", err)
	}
	return applied, nil
}

func decodeNodeState(fields map[string]string) (types.NodeState, error) {
	st := types.NodeState{Status: types.NodeStatus(fields["status"])}
	if v, ok := fields["output"]; ok && v != "" {
		st.Output = json.RawMessage(v)
	}
	if v, ok := fields["error"]; ok && v != "" {
		var ed types.ErrorDetail
		if err := json.Unmarshal([]byte(v), &ed); err != nil {
			return types.NodeState{}, fmt.Errorf("decode error detail: %w", err)
		}
		st.Error = &ed
	}
	if v, ok := fields["retry_count"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			st.RetryCount = n
		}
	}
	if v, ok := fields["started_at"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.StartedAt = &t
		}
	}
	if v, ok := fields["finished_at"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.FinishedAt = &t
		}
	}
	return st, nil
}

func (s *RedisStore) OutputPut(ctx context.Context, executionID, nodeID string, output []byte) error {
	if err := s.client.Set(ctx, s.keyOutput(executionID, nodeID), output, s.ttl).Err(); err != nil {
		return fmt.Errorf("output put: %w", err)
	}
	return nil
}

func (s *RedisStore) OutputMGet(ctx context.Context, executionID string, nodeIDs []string) (map[string][]byte, error) {
	if len(nodeIDs) == 0 {
		return map[string][]byte{}, nil
	}
	keys := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		keys[i] = s.keyOutput(executionID, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("output mget: %w", err)
	}
	out := make(map[string][]byte, len(nodeIDs))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[nodeIDs[i]] = []byte(s)
	}
	return out, nil
}

func (s *RedisStore) IdempotencyTryClaim(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyIdempotency(fingerprint), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) LockAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.keyLock(key), ownerToken, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) LockRelease(ctx context.Context, key, ownerToken string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{s.keyLock(key)}, ownerToken).Int64()
	if err != nil {
		return false, fmt.Errorf("lock release: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) ExecutionGet(ctx context.Context, executionID string) (types.Execution, error) {
	fields, err := s.client.HGetAll(ctx, s.keyExecution(executionID)).Result()
	if err != nil {
		return types.Execution{}, fmt.Errorf("execution get: %w", err)
	}
	if len(fields) == 0 {
		return types.Execution{}, ErrNotFound
	}
	exec := types.Execution{
		ExecutionID: executionID,
		WorkflowID:  fields["workflow_id"],
		Status:      types.ExecutionStatus(fields["status"]),
	}
	if v := fields["created_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			exec.CreatedAt = t
		}
	}
	if v := fields["updated_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			exec.UpdatedAt = t
		}
	}
	return exec, nil
}

func (s *RedisStore) ExecutionPut(ctx context.Context, exec types.Execution) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyExecution(exec.ExecutionID), map[string]any{
		"workflow_id": exec.WorkflowID,
		"status":      string(exec.Status),
		"created_at":  exec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  exec.UpdatedAt.Format(time.RFC3339Nano),
	})
	if !exec.Status.IsTerminal() {
		pipe.SAdd(ctx, s.keyActiveExecutions(), exec.ExecutionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("execution put: %w", err)
	}
	return nil
}

func (s *RedisStore) keyActiveExecutions() string {
	return fmt.Sprintf("%s:executions:active", s.prefix)
}

func (s *RedisStore) ActiveExecutionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.keyActiveExecutions()).Result()
	if err != nil {
		return nil, fmt.Errorf("active execution ids: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) ExecutionCAS(ctx context.Context, executionID string, expected, next types.ExecutionStatus) (bool, error) {
	key := s.keyExecution(executionID)
	applied := false

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if types.ExecutionStatus(current) != expected {
			return nil
		}
		_, err = tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				"status":     string(next),
				"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if next.IsTerminal() {
				pipe.SRem(ctx, s.keyActiveExecutions(), executionID)
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		return false, fmt.Errorf("execution cas: %w", err)
	}
	return applied, nil
}

func (s *RedisStore) StreamPublish(ctx context.Context, stream string, fields map[string]string) (string, error) {
	vals := make(map[string]any, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: vals,
		MaxLen: 100000,
		Approx: true,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream publish: %w", err)
	}
	return id, nil
}

func (s *RedisStore) StreamEnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("ensure group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return redisErrContains(err, "BUSYGROUP")
}

func redisErrContains(err error, substr string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), substr)
}

func (s *RedisStore) StreamConsume(ctx context.Context, stream, group, consumer string, count int, blockMs int) ([]StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if redisErrContains(err, "NOGROUP") {
			if ensureErr := s.StreamEnsureGroup(ctx, stream, group); ensureErr != nil {
				return nil, ensureErr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("stream consume: %w", err)
	}

	var out []StreamEntry
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			out = append(out, StreamEntry{ID: msg.ID, Fields: toStringMap(msg.Values)})
		}
	}
	return out, nil
}

func toStringMap(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func (s *RedisStore) StreamAck(ctx context.Context, stream, group string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("stream ack: %w", err)
	}
	return nil
}

func (s *RedisStore) StreamReclaim(ctx context.Context, stream, group, newConsumer string, minIdleMs int64, count int) ([]StreamEntry, error) {
	messages, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if redisErrContains(err, "NOGROUP") {
			return nil, nil
		}
		return nil, fmt.Errorf("stream reclaim: %w", err)
	}

	out := make([]StreamEntry, 0, len(messages))
	for _, msg := range messages {
		if len(msg.Values) == 0 {
			continue
		}
		out = append(out, StreamEntry{ID: msg.ID, Fields: toStringMap(msg.Values)})
	}
	return out, nil
}

func (s *RedisStore) RateWindowIncr(ctx context.Context, key string, windowSeconds int, limit int64) (RateLimitResult, error) {
	rk := s.keyRate(key)
	count, err := s.client.Incr(ctx, rk).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, rk, time.Duration(windowSeconds)*time.Second).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("rate expire: %w", err)
		}
	}
	ttl, err := s.client.TTL(ctx, rk).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate ttl: %w", err)
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}
