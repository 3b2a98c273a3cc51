package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the status of a workflow run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusStopped RunStatus = "stopped"
)

// Terminal reports whether the status is one of the terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusStopped
}

// TriggerMode records how a run was started.
type TriggerMode string

const (
	TriggerManual   TriggerMode = "manual"
	TriggerAPI      TriggerMode = "api"
	TriggerSchedule TriggerMode = "schedule"
)

// Usage aggregates model consumption across a run.
type Usage struct {
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// Run represents one invocation of a workflow graph.
// Created on task accept, mutated only by the log writer.
type Run struct {
	ID                uuid.UUID              `db:"id" json:"id"`
	WorkflowID        uuid.UUID              `db:"workflow_id" json:"workflow_id"`
	UserID            string                 `db:"user_id" json:"user_id"`
	DeploymentID      *uuid.UUID             `db:"deployment_id" json:"deployment_id,omitempty"`
	DeploymentVersion *int                   `db:"deployment_version" json:"deployment_version,omitempty"`
	TriggerMode       TriggerMode            `db:"trigger_mode" json:"trigger_mode"`
	Status            RunStatus              `db:"status" json:"status"`
	Inputs            map[string]interface{} `db:"inputs" json:"inputs"`
	Outputs           map[string]interface{} `db:"outputs" json:"outputs,omitempty"`
	ErrorMessage      *string                `db:"error_message" json:"error_message,omitempty"`
	StartedAt         time.Time              `db:"started_at" json:"started_at"`
	FinishedAt        *time.Time             `db:"finished_at" json:"finished_at,omitempty"`
	// Duration is wall-clock seconds as float, persisted on finish.
	// Node runs derive theirs from timestamps instead.
	Duration *float64 `db:"duration" json:"duration,omitempty"`
	Usage    Usage    `db:"usage" json:"usage"`
}

// NodeRunStatus represents the status of a single node within a run.
type NodeRunStatus string

const (
	NodeRunStatusRunning NodeRunStatus = "running"
	NodeRunStatusSuccess NodeRunStatus = "success"
	NodeRunStatusFailed  NodeRunStatus = "failed"
	NodeRunStatusSkipped NodeRunStatus = "skipped"
)

// NodeRun represents one node execution inside a run. The primary key is
// generated by the engine before any log task is emitted so that create,
// finish and error messages for the same execution upsert one row.
type NodeRun struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	RunID       uuid.UUID              `db:"run_id" json:"run_id"`
	NodeID      string                 `db:"node_id" json:"node_id"`
	NodeType    string                 `db:"node_type" json:"node_type"`
	Status      NodeRunStatus          `db:"status" json:"status"`
	Inputs      map[string]interface{} `db:"inputs" json:"inputs,omitempty"`
	Outputs     map[string]interface{} `db:"outputs" json:"outputs,omitempty"`
	ProcessData map[string]interface{} `db:"process_data" json:"process_data,omitempty"`
	ErrorMessage *string               `db:"error_message" json:"error_message,omitempty"`
	StartedAt   time.Time              `db:"started_at" json:"started_at"`
	FinishedAt  *time.Time             `db:"finished_at" json:"finished_at,omitempty"`
}
