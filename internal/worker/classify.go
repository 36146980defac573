package worker

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/mentatlab/dagflow/pkg/types"
)

// ValidationError lets a handler explicitly signal that its input was bad,
// routing straight to dead-letter without consuming a retry. Handlers that
// want a different category should instead return a plain error, which
// classify falls back to heuristic matching for.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// classify maps a handler or infrastructure error onto the error taxonomy,
// preferring structural signals (context deadlines, net.Error) before
// falling back to substring matching against the error text and type name,
// the same heuristic original_source's error_detail.py classifier uses.
func classify(err error) types.ErrorCategory {
	if err == nil {
		return types.ErrorUnknown
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		return types.ErrorValidation
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return types.ErrorTimeout
		}
		return types.ErrorConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded"):
		return types.ErrorTimeout
	case containsAny(msg, "connection", "connect:", "refused", "reset by peer", "unavailable", "broken pipe"):
		return types.ErrorConnection
	case containsAny(msg, "validation", "invalid", "schema", "malformed", "parse"):
		return types.ErrorValidation
	default:
		return types.ErrorHandler
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
