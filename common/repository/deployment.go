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

// DeploymentRepository handles frozen graph snapshots bound to slugs.
type DeploymentRepository struct {
	db *db.DB
}

// NewDeploymentRepository creates a new deployment repository.
func NewDeploymentRepository(database *db.DB) *DeploymentRepository {
	return &DeploymentRepository{db: database}
}

const deploymentColumns = `
	id, app_id, workflow_id, user_id, version, type, url_slug, description,
	graph, input_schema, output_schema, active, schedule_id, created_at`

// GetActiveBySlug retrieves the single active deployment routable by slug.
func (r *DeploymentRepository) GetActiveBySlug(ctx context.Context, slug string) (*models.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployment
		WHERE url_slug = $1 AND active = TRUE
	`
	return r.scanOne(r.db.QueryRow(ctx, query, slug))
}

// GetByID retrieves a deployment by id.
func (r *DeploymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployment
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// Create inserts a new deployment snapshot.
func (r *DeploymentRepository) Create(ctx context.Context, d *models.Deployment) error {
	graph, err := json.Marshal(d.Graph)
	if err != nil {
		return fmt.Errorf("marshal deployment graph: %w", err)
	}
	inputSchema, err := json.Marshal(d.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}
	outputSchema, err := json.Marshal(d.OutputSchema)
	if err != nil {
		return fmt.Errorf("marshal output schema: %w", err)
	}

	query := `
		INSERT INTO deployment (
			id, app_id, workflow_id, user_id, version, type, url_slug,
			description, graph, input_schema, output_schema, active,
			schedule_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.Exec(ctx, query,
		d.ID, d.AppID, d.WorkflowID, d.UserID, d.Version, d.Type, d.URLSlug,
		d.Description, graph, inputSchema, outputSchema, d.Active,
		d.ScheduleID, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// UpdateGraph replaces a deployment's graph snapshot. Used by the draft
// patch endpoint; only inactive (draft) deployments may be patched.
func (r *DeploymentRepository) UpdateGraph(ctx context.Context, id uuid.UUID, graph models.Graph) error {
	raw, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("marshal deployment graph: %w", err)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE deployment SET graph = $2 WHERE id = $1 AND active = FALSE`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update deployment graph: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScheduled returns active deployments with a schedule binding.
func (r *DeploymentRepository) ListScheduled(ctx context.Context) ([]*models.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployment
		WHERE active = TRUE AND schedule_id IS NOT NULL
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*models.Deployment
	for rows.Next() {
		d, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DeploymentRepository) scanOne(row rowScanner) (*models.Deployment, error) {
	d := &models.Deployment{}
	var graph, inputSchema, outputSchema []byte
	err := row.Scan(
		&d.ID, &d.AppID, &d.WorkflowID, &d.UserID, &d.Version, &d.Type,
		&d.URLSlug, &d.Description, &graph, &inputSchema, &outputSchema,
		&d.Active, &d.ScheduleID, &d.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan deployment: %w", err)
	}
	if err := unmarshalInto(graph, &d.Graph); err != nil {
		return nil, err
	}
	if err := unmarshalInto(inputSchema, &d.InputSchema); err != nil {
		return nil, err
	}
	if err := unmarshalInto(outputSchema, &d.OutputSchema); err != nil {
		return nil, err
	}
	return d, nil
}
