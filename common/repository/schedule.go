package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/moduly/moduly/common/db"
	"github.com/moduly/moduly/common/models"
)

// ScheduleRepository handles cron schedule bindings for deployments.
type ScheduleRepository struct {
	db *db.DB
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(database *db.DB) *ScheduleRepository {
	return &ScheduleRepository{db: database}
}

// GetByID retrieves a schedule by id.
func (r *ScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	s := &models.Schedule{}
	err := r.db.QueryRow(ctx, `
		SELECT id, deployment_id, cron_expr, timezone, enabled, last_run_at, next_run_at
		FROM schedule
		WHERE id = $1
	`, id).Scan(&s.ID, &s.DeploymentID, &s.CronExpr, &s.Timezone, &s.Enabled,
		&s.LastRunAt, &s.NextRunAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// ListEnabled returns all enabled schedules for dispatcher reload.
func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, deployment_id, cron_expr, timezone, enabled, last_run_at, next_run_at
		FROM schedule
		WHERE enabled = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		s := &models.Schedule{}
		err := rows.Scan(&s.ID, &s.DeploymentID, &s.CronExpr, &s.Timezone,
			&s.Enabled, &s.LastRunAt, &s.NextRunAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return schedules, nil
}

// RecordFire stamps the last and next fire times after a dispatch.
func (r *ScheduleRepository) RecordFire(ctx context.Context, id uuid.UUID, firedAt, nextAt time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE schedule SET last_run_at = $2, next_run_at = $3 WHERE id = $1
	`, id, firedAt, nextAt)
	if err != nil {
		return fmt.Errorf("failed to record schedule fire: %w", err)
	}
	return nil
}
