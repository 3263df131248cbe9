package workflow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// GuardEvaluator evaluates edge guard expressions against producer
// outputs. Compiled programs are cached; guard expressions repeat across
// attempts and runs of the same workflow version.
type GuardEvaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewGuardEvaluator returns an evaluator with an empty program cache.
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{cache: make(map[string]*vm.Program)}
}

// Eval evaluates the guard against the environment. The environment
// carries "output" (the producer's output), "outputs" (all node outputs
// keyed by node id), and "failed" (whether the producer failed). An empty
// guard is active.
func (g *GuardEvaluator) Eval(guard string, env map[string]any) (bool, error) {
	if guard == "" {
		return true, nil
	}

	program, err := g.compile(guard)
	if err != nil {
		return false, fmt.Errorf("compile guard %q: %w", guard, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate guard %q: %w", guard, err)
	}

	active, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q returned %T, want bool", guard, result)
	}
	return active, nil
}

func (g *GuardEvaluator) compile(guard string) (*vm.Program, error) {
	g.mu.RLock()
	if prog, ok := g.cache[guard]; ok {
		g.mu.RUnlock()
		return prog, nil
	}
	g.mu.RUnlock()

	prog, err := expr.Compile(guard,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[guard] = prog
	g.mu.Unlock()
	return prog, nil
}
