package nodes

import (
	"context"
	"fmt"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
	"github.com/moduly/moduly/common/models"
)

// LoopRunner iterates an embedded sub-graph over an array drawn from
// the loop node's inputs. The sub-engine is reused across iterations;
// only its input scope changes per element.
type LoopRunner struct{}

func (r *LoopRunner) Run(ctx context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	data := exec.Node.Data

	sel, ok := data["items"]
	if !ok {
		return nil, fmt.Errorf("missing config field %q", "items")
	}
	path, valid := engine.SelectorFromConfig(sel)
	if !valid {
		return nil, fmt.Errorf("config field %q must be a selector path", "items")
	}
	items, ok := engine.ResolveSelector(exec.Inputs, path).([]interface{})
	if !ok {
		return nil, fmt.Errorf("loop items selector did not resolve to an array")
	}

	child := exec.Graph.ChildGraph(exec.Node.ID)
	if len(child.Nodes) == 0 {
		return nil, fmt.Errorf("loop node %s has no child graph", exec.Node.ID)
	}
	entryPoints := childRoots(child)
	flatten := optBool(data, "flatten_output")

	sub := exec.Engine.Sub()
	collected := make([]interface{}, 0, len(items))
	for i, item := range items {
		outputs, err := sub.Execute(ctx, &engine.Request{
			RunID:  exec.RunID,
			UserID: exec.UserID,
			Graph:  child,
			Inputs: map[string]interface{}{
				"item":  item,
				"index": i,
			},
			EntryPoints: entryPoints,
		})
		if err != nil {
			return nil, fmt.Errorf("loop iteration %d: %w", i, err)
		}

		if flatten {
			collected = append(collected, flattenIteration(outputs))
		} else {
			collected = append(collected, outputs)
		}
	}

	return map[string]interface{}{
		"results": collected,
		"count":   len(collected),
	}, nil
}

// childRoots returns the child nodes with no predecessor inside the
// sub-graph. They become the iteration's entry points.
func childRoots(g models.Graph) []string {
	hasIncoming := make(map[string]bool)
	for _, e := range g.Edges {
		hasIncoming[e.Target] = true
	}
	var roots []string
	for _, n := range g.Nodes {
		if !hasIncoming[n.ID] {
			roots = append(roots, n.ID)
		}
	}
	return roots
}

// flattenIteration unwraps single-value iteration outputs so a mapping
// loop yields a plain list instead of a list of one-key maps.
func flattenIteration(outputs map[string]interface{}) interface{} {
	if len(outputs) == 1 {
		for _, v := range outputs {
			if inner, ok := v.(map[string]interface{}); ok && len(inner) == 1 {
				for _, iv := range inner {
					return iv
				}
			}
			return v
		}
	}
	return outputs
}
