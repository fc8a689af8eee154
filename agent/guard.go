package agent

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// MaxGuardLength limits guard expression size.
const MaxGuardLength = 4096

// guardEnvTemplate declares the variables a guard may reference.
var guardEnvTemplate = map[string]any{
	"output": "",
	"data":   map[string]any{},
	"input":  "",
	"step":   0,
	"node":   "",
}

// GuardEvaluator compiles workflow edge guards once and evaluates them
// against {output, data, input, step, node}. It is safe for concurrent use.
type GuardEvaluator struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// NewGuardEvaluator creates a new guard evaluator.
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{compiled: make(map[string]*vm.Program)}
}

// Compile checks and caches a guard expression.
func (g *GuardEvaluator) Compile(guard string) (*vm.Program, error) {
	if len(guard) > MaxGuardLength {
		return nil, fmt.Errorf("guard exceeds maximum length of %d characters", MaxGuardLength)
	}

	g.mu.RLock()
	prog, ok := g.compiled[guard]
	g.mu.RUnlock()

	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(guard, expr.Env(guardEnvTemplate))
	if err != nil {
		return nil, fmt.Errorf("compile guard %q: %w", guard, err)
	}

	g.mu.Lock()
	g.compiled[guard] = prog
	g.mu.Unlock()

	return prog, nil
}

// Evaluate reports whether guard holds for env. Non-boolean results follow
// truthiness: non-zero numbers and non-empty strings are true.
func (g *GuardEvaluator) Evaluate(guard string, env map[string]any) (bool, error) {
	prog, err := g.Compile(guard)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard %q: %w", guard, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("guard %q returned %T, expected bool", guard, result)
	}
}

// guardEnv builds the evaluation environment of a guard.
func guardEnv(output string, data map[string]any, input string, step int, node string) map[string]any {
	if data == nil {
		data = map[string]any{}
	}

	return map[string]any{
		"output": output,
		"data":   data,
		"input":  input,
		"step":   step,
		"node":   node,
	}
}
