package nodes

import (
	"context"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// PassthroughRunner backs the trigger node types. The engine hands
// triggers the raw run payload; their output is that payload, which
// makes it addressable downstream under the trigger's node id.
type PassthroughRunner struct{}

func (r *PassthroughRunner) Run(_ context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	if exec.Inputs == nil {
		return map[string]interface{}{}, nil
	}
	return exec.Inputs, nil
}

// AnswerRunner produces the run's final answer. The first executed
// answerNode's output becomes the workflow result.
type AnswerRunner struct{}

func (r *AnswerRunner) Run(_ context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	data := exec.Node.Data

	if sel, ok := data["selector"]; ok {
		if path, valid := engine.SelectorFromConfig(sel); valid {
			return map[string]interface{}{
				"answer": engine.ResolveSelector(exec.Inputs, path),
			}, nil
		}
	}

	template, err := configString(data, "answer")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"answer": engine.Interpolate(exec.Inputs, template),
	}, nil
}

// TemplateRunner renders a string template over the results tree.
type TemplateRunner struct{}

func (r *TemplateRunner) Run(_ context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	template, err := configString(exec.Node.Data, "template")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"text": engine.Interpolate(exec.Inputs, template),
	}, nil
}
