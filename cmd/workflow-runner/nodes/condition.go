package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// ConditionRunner evaluates a CEL expression over the node's input view
// and selects the "true" or "false" branch handle.
type ConditionRunner struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionRunner creates a condition runner with a compiled
// expression cache.
func NewConditionRunner() *ConditionRunner {
	return &ConditionRunner{cache: make(map[string]cel.Program)}
}

func (r *ConditionRunner) Run(_ context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	expr, err := configString(exec.Node.Data, "expression")
	if err != nil {
		return nil, err
	}

	// The optional input selector narrows what the expression sees;
	// without it the expression addresses the full results tree.
	var input interface{} = exec.Inputs
	if sel, ok := exec.Node.Data["input"]; ok {
		if path, valid := engine.SelectorFromConfig(sel); valid {
			input = engine.ResolveSelector(exec.Inputs, path)
		}
	}

	prg, err := r.program(expr)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"input": input,
		"nodes": exec.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("condition evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}

	handle := "false"
	if result {
		handle = "true"
	}
	return map[string]interface{}{
		"selected_handle": handle,
		"result":          result,
	}, nil
}

func (r *ConditionRunner) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, exists := r.cache[expr]
	r.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("nodes", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition compilation error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	r.mu.Lock()
	r.cache[expr] = prg
	r.mu.Unlock()
	return prg, nil
}
