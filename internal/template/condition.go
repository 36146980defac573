package template

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// maxConditionLength bounds untrusted expression size before compilation.
const maxConditionLength = 4096

// ConditionEvaluator evaluates a node's optional gating expression against
// upstream outputs, caching compiled programs by expression text so a
// condition reused across many executions of the same workflow compiles once.
type ConditionEvaluator struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// NewConditionEvaluator returns an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{compiled: make(map[string]*vm.Program)}
}

// Evaluate compiles (or reuses a cached compile of) condition and runs it
// against outputs, returning its boolean result. An empty condition always
// evaluates true, matching "a node with no condition is never skipped".
func (c *ConditionEvaluator) Evaluate(condition string, outputs Outputs) (bool, error) {
	if condition == "" {
		return true, nil
	}
	if len(condition) > maxConditionLength {
		return false, fmt.Errorf("condition exceeds maximum length of %d characters", maxConditionLength)
	}

	env := map[string]any(outputs)

	c.mu.RLock()
	prog, ok := c.compiled[condition]
	c.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(condition, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile condition %q: %w", condition, err)
		}
		c.mu.Lock()
		c.compiled[condition] = prog
		c.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, expected bool", condition, result)
	}
	return b, nil
}
