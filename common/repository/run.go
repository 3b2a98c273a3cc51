package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/moduly/moduly/common/db"
	"github.com/moduly/moduly/common/models"
)

// RunRepository handles database operations for workflow runs. All writes
// are upserts keyed by the run id so broker redeliveries converge.
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// Upsert inserts or updates a run row. Once finished_at is set the row is
// frozen against this path; a redelivered create arriving after the run
// finished is a no-op, and terminal fields flow through UpdateFinish only.
func (r *RunRepository) Upsert(ctx context.Context, run *models.Run) error {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal run inputs: %w", err)
	}
	outputs, err := json.Marshal(run.Outputs)
	if err != nil {
		return fmt.Errorf("marshal run outputs: %w", err)
	}
	usage, err := json.Marshal(run.Usage)
	if err != nil {
		return fmt.Errorf("marshal run usage: %w", err)
	}

	query := `
		INSERT INTO workflow_run (
			id, workflow_id, user_id, deployment_id, deployment_version,
			trigger_mode, status, inputs, outputs, error_message,
			started_at, finished_at, duration, usage
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			outputs       = EXCLUDED.outputs,
			error_message = EXCLUDED.error_message,
			finished_at   = EXCLUDED.finished_at,
			duration      = EXCLUDED.duration,
			usage         = EXCLUDED.usage
		WHERE workflow_run.finished_at IS NULL
	`

	_, err = r.db.Exec(ctx, query,
		run.ID, run.WorkflowID, run.UserID, run.DeploymentID, run.DeploymentVersion,
		run.TriggerMode, run.Status, inputs, outputs, run.ErrorMessage,
		run.StartedAt, run.FinishedAt, run.Duration, usage,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// UpdateFinish applies terminal fields to an existing run. Returns
// ErrNotFound when the create has not landed yet.
func (r *RunRepository) UpdateFinish(ctx context.Context, p *models.Run) error {
	outputs, err := json.Marshal(p.Outputs)
	if err != nil {
		return fmt.Errorf("marshal run outputs: %w", err)
	}
	usage, err := json.Marshal(p.Usage)
	if err != nil {
		return fmt.Errorf("marshal run usage: %w", err)
	}

	query := `
		UPDATE workflow_run
		SET status = $2, outputs = $3, error_message = $4,
		    finished_at = $5, duration = $6, usage = $7
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query,
		p.ID, p.Status, outputs, p.ErrorMessage, p.FinishedAt, p.Duration, usage)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	query := `
		SELECT id, workflow_id, user_id, deployment_id, deployment_version,
		       trigger_mode, status, inputs, outputs, error_message,
		       started_at, finished_at, duration, usage
		FROM workflow_run
		WHERE id = $1
	`

	run := &models.Run{}
	var inputs, outputs, usage []byte
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.WorkflowID, &run.UserID, &run.DeploymentID, &run.DeploymentVersion,
		&run.TriggerMode, &run.Status, &inputs, &outputs, &run.ErrorMessage,
		&run.StartedAt, &run.FinishedAt, &run.Duration, &usage,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := unmarshalInto(inputs, &run.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(outputs, &run.Outputs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(usage, &run.Usage); err != nil {
		return nil, err
	}
	return run, nil
}

// ListByUser retrieves recent runs for a user.
func (r *RunRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Run, error) {
	query := `
		SELECT id, workflow_id, user_id, deployment_id, deployment_version,
		       trigger_mode, status, inputs, outputs, error_message,
		       started_at, finished_at, duration, usage
		FROM workflow_run
		WHERE user_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		var inputs, outputs, usage []byte
		err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.UserID, &run.DeploymentID, &run.DeploymentVersion,
			&run.TriggerMode, &run.Status, &inputs, &outputs, &run.ErrorMessage,
			&run.StartedAt, &run.FinishedAt, &run.Duration, &usage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := unmarshalInto(inputs, &run.Inputs); err != nil {
			return nil, err
		}
		if err := unmarshalInto(outputs, &run.Outputs); err != nil {
			return nil, err
		}
		if err := unmarshalInto(usage, &run.Usage); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Delete removes a run and its node rows. User-initiated only.
func (r *RunRepository) Delete(ctx context.Context, runID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM workflow_node_run WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete node runs: %w", err)
	}
	if _, err := r.db.Exec(ctx, `DELETE FROM workflow_run WHERE id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

func unmarshalInto(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal column: %w", err)
	}
	return nil
}
