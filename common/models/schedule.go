package models

import (
	"time"

	"github.com/google/uuid"
)

// Schedule binds a deployment to a cron expression evaluated in Timezone.
type Schedule struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	DeploymentID uuid.UUID  `db:"deployment_id" json:"deployment_id"`
	CronExpr     string     `db:"cron_expr" json:"cron_expr"`
	Timezone     string     `db:"timezone" json:"timezone"`
	Enabled      bool       `db:"enabled" json:"enabled"`
	LastRunAt    *time.Time `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `db:"next_run_at" json:"next_run_at,omitempty"`
}
