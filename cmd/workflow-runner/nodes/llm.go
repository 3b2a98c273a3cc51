package nodes

import (
	"context"
	"fmt"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// LLMRunner invokes a chat model. Credential resolution happens inside
// the service and is fail-closed: only a verified credential-model pair
// grants access. A fallback model id covers provider failures.
type LLMRunner struct {
	Service Completer
}

func (r *LLMRunner) Run(ctx context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	if r.Service == nil {
		return nil, fmt.Errorf("llm service not configured")
	}
	data := exec.Node.Data

	model, err := configString(data, "model")
	if err != nil {
		return nil, err
	}
	prompt, err := configString(data, "prompt")
	if err != nil {
		return nil, err
	}

	result, err := r.Service.Complete(ctx, &CompletionRequest{
		UserID:        exec.UserID,
		Model:         model,
		FallbackModel: optString(data, "fallback_model"),
		System:        engine.Interpolate(exec.Inputs, optString(data, "system_prompt")),
		Prompt:        engine.Interpolate(exec.Inputs, prompt),
		Temperature:   optFloat(data, "temperature"),
	})
	if err != nil {
		return nil, fmt.Errorf("llm completion failed: %w", err)
	}

	return map[string]interface{}{
		"text":  result.Text,
		"model": result.Model,
		"usage": map[string]interface{}{
			"prompt_tokens": result.PromptTokens,
			"output_tokens": result.OutputTokens,
		},
	}, nil
}
