package nodes

import (
	"context"
	"fmt"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// CodeRunner ships user code to the sandbox service and waits for the
// result. The run's user id is the sandbox tenant, which is what the
// fair scheduler round-robins over.
type CodeRunner struct {
	Sandbox SandboxExecutor
}

func (r *CodeRunner) Run(ctx context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	if r.Sandbox == nil {
		return nil, fmt.Errorf("sandbox client not configured")
	}
	data := exec.Node.Data

	code, err := configString(data, "code")
	if err != nil {
		return nil, err
	}

	var inputs map[string]interface{}
	if raw, ok := data["inputs"]; ok {
		if resolved, ok := resolveValue(exec.Inputs, raw).(map[string]interface{}); ok {
			inputs = resolved
		}
	}
	if inputs == nil {
		inputs = exec.Inputs
	}

	req := &SandboxRequest{
		Code:          code,
		Inputs:        inputs,
		Timeout:       optFloat(data, "timeout"),
		EnableNetwork: optBool(data, "enable_network"),
		TenantID:      exec.UserID,
	}
	if p, ok := data["priority"].(float64); ok {
		priority := int(p)
		req.Priority = &priority
	}

	result, err := r.Sandbox.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution failed: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("code execution failed (%s): %s", result.ErrorType, result.Error)
	}

	out := map[string]interface{}{
		"success":           true,
		"execution_time_ms": result.ExecutionTimeMS,
	}
	for k, v := range result.Result {
		out[k] = v
	}
	return out, nil
}
