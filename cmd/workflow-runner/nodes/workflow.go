package nodes

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// WorkflowRunner executes a referenced deployment's frozen graph as a
// sub-workflow. The sub-engine carries the parent's run id so child
// node runs attach to the parent run, with events suppressed.
type WorkflowRunner struct {
	Deployments DeploymentLoader
}

func (r *WorkflowRunner) Run(ctx context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	if r.Deployments == nil {
		return nil, fmt.Errorf("deployment loader not configured")
	}
	data := exec.Node.Data

	rawID, err := configString(data, "deployment_id")
	if err != nil {
		return nil, err
	}
	deploymentID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("invalid deployment_id: %w", err)
	}

	deployment, err := r.Deployments.GetByID(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("load deployment %s: %w", deploymentID, err)
	}

	// Sub-workflow inputs come from the node config when mapped, or the
	// parent's input view otherwise.
	inputs := exec.Inputs
	if raw, ok := data["inputs"]; ok {
		if resolved, ok := resolveValue(exec.Inputs, raw).(map[string]interface{}); ok {
			inputs = resolved
		}
	}

	outputs, err := exec.Engine.Sub().Execute(ctx, &engine.Request{
		RunID:  exec.RunID,
		UserID: exec.UserID,
		Graph:  deployment.Graph,
		Inputs: inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("sub-workflow %s: %w", deploymentID, err)
	}
	return outputs, nil
}
