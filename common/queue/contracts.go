package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/models"
)

// WorkflowExecutePayload is the workflow.execute contract. The graph is a
// frozen snapshot; workers never read mutable drafts.
type WorkflowExecutePayload struct {
	RunID             uuid.UUID              `json:"run_id"`
	WorkflowID        uuid.UUID              `json:"workflow_id"`
	UserID            string                 `json:"user_id"`
	DeploymentID      *uuid.UUID             `json:"deployment_id,omitempty"`
	DeploymentVersion *int                   `json:"deployment_version,omitempty"`
	TriggerMode       models.TriggerMode     `json:"trigger_mode"`
	Graph             models.Graph           `json:"graph"`
	Inputs            map[string]interface{} `json:"inputs"`
}

// RunLogPayload covers log.create_run, log.update_run_finish and
// log.update_run_error. The run id is the stable primary key.
type RunLogPayload struct {
	RunID             uuid.UUID              `json:"run_id"`
	WorkflowID        uuid.UUID              `json:"workflow_id"`
	UserID            string                 `json:"user_id"`
	DeploymentID      *uuid.UUID             `json:"deployment_id,omitempty"`
	DeploymentVersion *int                   `json:"deployment_version,omitempty"`
	TriggerMode       models.TriggerMode     `json:"trigger_mode,omitempty"`
	Status            models.RunStatus       `json:"status"`
	Inputs            map[string]interface{} `json:"inputs,omitempty"`
	Outputs           map[string]interface{} `json:"outputs,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	DurationSeconds   *float64               `json:"duration,omitempty"`
	Usage             models.Usage           `json:"usage"`
}

// NodeLogPayload covers log.create_node, log.update_node_finish and
// log.update_node_error. NodeRunID is generated by the engine before
// emission so duplicated or reordered messages upsert one row, and
// StartedAt rides along so a late create can be reconstructed from an
// update alone.
type NodeLogPayload struct {
	NodeRunID    uuid.UUID              `json:"node_run_id"`
	RunID        uuid.UUID              `json:"run_id"`
	NodeID       string                 `json:"node_id"`
	NodeType     string                 `json:"node_type"`
	Status       models.NodeRunStatus   `json:"status"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	ProcessData  map[string]interface{} `json:"process_data,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty"`
}
