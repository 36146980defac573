package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Echo returns its config unchanged as output, used throughout the end-to-end
// scenarios to make a node's output simply "what it was configured with".
func Echo(_ context.Context, config json.RawMessage) (json.RawMessage, error) {
	return config, nil
}

// ErrAlwaysFails is the sentinel a fail-always handler returns.
var ErrAlwaysFails = errors.New("handler: poison handler always fails")

// AlwaysFail unconditionally fails, used to exercise the retry-then-dead-letter
// path deterministically.
func AlwaysFail(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return nil, ErrAlwaysFails
}

// Sleep blocks for the duration named by its config's "duration_ms" field (or
// 0 if absent), honouring context cancellation, used to exercise the
// handler-timeout path.
func Sleep(ctx context.Context, config json.RawMessage) (json.RawMessage, error) {
	var cfg struct {
		DurationMs int64 `json:"duration_ms"`
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(time.Duration(cfg.DurationMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return config, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RegisterBuiltins adds the demo handlers (echo, fail-always, sleep) to reg.
func RegisterBuiltins(reg Registry) error {
	if err := reg.Register("echo", Echo, nil); err != nil {
		return err
	}
	if err := reg.Register("fail-always", AlwaysFail, nil); err != nil {
		return err
	}
	if err := reg.Register("sleep", Sleep, nil); err != nil {
		return err
	}
	return nil
}
