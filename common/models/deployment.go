package models

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentType gates which public surfaces may route to a deployment.
type DeploymentType string

const (
	DeploymentTypeAPI    DeploymentType = "api"
	DeploymentTypeWebapp DeploymentType = "webapp"
	DeploymentTypeWidget DeploymentType = "widget"
)

// Deployment captures a point-in-time graph snapshot bound to a public
// URL slug. The active deployment for an app is the only one routable.
type Deployment struct {
	ID           uuid.UUID              `db:"id" json:"id"`
	AppID        uuid.UUID              `db:"app_id" json:"app_id"`
	WorkflowID   uuid.UUID              `db:"workflow_id" json:"workflow_id"`
	UserID       string                 `db:"user_id" json:"user_id"`
	Version      int                    `db:"version" json:"version"`
	Type         DeploymentType         `db:"type" json:"type"`
	URLSlug      string                 `db:"url_slug" json:"url_slug"`
	Description  string                 `db:"description" json:"description"`
	Graph        Graph                  `db:"graph" json:"graph"`
	InputSchema  map[string]interface{} `db:"input_schema" json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `db:"output_schema" json:"output_schema,omitempty"`
	Active       bool                   `db:"active" json:"active"`
	ScheduleID   *uuid.UUID             `db:"schedule_id" json:"schedule_id,omitempty"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
}

// PublicInfo is the subset of a deployment exposed without authentication.
type PublicInfo struct {
	URLSlug      string                 `json:"url_slug"`
	Version      int                    `json:"version"`
	Description  string                 `json:"description"`
	Type         DeploymentType         `json:"type"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
}

// PublicInfo projects the deployment into its public view.
func (d *Deployment) PublicInfo() *PublicInfo {
	return &PublicInfo{
		URLSlug:      d.URLSlug,
		Version:      d.Version,
		Description:  d.Description,
		Type:         d.Type,
		InputSchema:  d.InputSchema,
		OutputSchema: d.OutputSchema,
	}
}

// PubliclyRunnable reports whether the anonymous run endpoint may execute
// this deployment.
func (d *Deployment) PubliclyRunnable() bool {
	return d.Type == DeploymentTypeWebapp || d.Type == DeploymentTypeWidget
}
