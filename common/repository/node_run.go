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

// NodeRunRepository persists per-node execution rows. The primary key is
// generated by the engine, so create/finish/error messages for one node
// execution converge onto a single row regardless of arrival order.
// started_at rides on every payload, which lets an update reconstruct the
// row when the create message was lost.
type NodeRunRepository struct {
	db *db.DB
}

// NewNodeRunRepository creates a new node run repository.
func NewNodeRunRepository(database *db.DB) *NodeRunRepository {
	return &NodeRunRepository{db: database}
}

// Upsert inserts or updates a node run by its engine-supplied id. Only a
// payload carrying finished_at may replace an existing row, and only when
// its finished_at is not older than the stored one, so a retried create
// can never regress a terminal row and the latest terminal payload wins.
func (r *NodeRunRepository) Upsert(ctx context.Context, nr *models.NodeRun) error {
	inputs, err := json.Marshal(nr.Inputs)
	if err != nil {
		return fmt.Errorf("marshal node inputs: %w", err)
	}
	outputs, err := json.Marshal(nr.Outputs)
	if err != nil {
		return fmt.Errorf("marshal node outputs: %w", err)
	}
	processData, err := json.Marshal(nr.ProcessData)
	if err != nil {
		return fmt.Errorf("marshal node process data: %w", err)
	}

	query := `
		INSERT INTO workflow_node_run (
			id, run_id, node_id, node_type, status,
			inputs, outputs, process_data, error_message,
			started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			outputs       = EXCLUDED.outputs,
			error_message = EXCLUDED.error_message,
			finished_at   = EXCLUDED.finished_at
		WHERE EXCLUDED.finished_at IS NOT NULL
		  AND (workflow_node_run.finished_at IS NULL
		   OR  EXCLUDED.finished_at >= workflow_node_run.finished_at)
	`

	_, err = r.db.Exec(ctx, query,
		nr.ID, nr.RunID, nr.NodeID, nr.NodeType, nr.Status,
		inputs, outputs, processData, nr.ErrorMessage,
		nr.StartedAt, nr.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node run: %w", err)
	}
	return nil
}

// RunExists reports whether the parent run row is durable yet.
func (r *NodeRunRepository) RunExists(ctx context.Context, runID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_run WHERE id = $1)`, runID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check run existence: %w", err)
	}
	return exists, nil
}

// GetByID retrieves one node run.
func (r *NodeRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.NodeRun, error) {
	query := `
		SELECT id, run_id, node_id, node_type, status,
		       inputs, outputs, process_data, error_message,
		       started_at, finished_at
		FROM workflow_node_run
		WHERE id = $1
	`
	nr := &models.NodeRun{}
	var inputs, outputs, processData []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&nr.ID, &nr.RunID, &nr.NodeID, &nr.NodeType, &nr.Status,
		&inputs, &outputs, &processData, &nr.ErrorMessage,
		&nr.StartedAt, &nr.FinishedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node run: %w", err)
	}
	if err := unmarshalInto(inputs, &nr.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(outputs, &nr.Outputs); err != nil {
		return nil, err
	}
	if err := unmarshalInto(processData, &nr.ProcessData); err != nil {
		return nil, err
	}
	return nr, nil
}

// ListByRun retrieves node runs for a run ordered by start time.
func (r *NodeRunRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.NodeRun, error) {
	query := `
		SELECT id, run_id, node_id, node_type, status,
		       inputs, outputs, process_data, error_message,
		       started_at, finished_at
		FROM workflow_node_run
		WHERE run_id = $1
		ORDER BY started_at ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}
	defer rows.Close()

	var nodeRuns []*models.NodeRun
	for rows.Next() {
		nr := &models.NodeRun{}
		var inputs, outputs, processData []byte
		err := rows.Scan(
			&nr.ID, &nr.RunID, &nr.NodeID, &nr.NodeType, &nr.Status,
			&inputs, &outputs, &processData, &nr.ErrorMessage,
			&nr.StartedAt, &nr.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}
		if err := unmarshalInto(inputs, &nr.Inputs); err != nil {
			return nil, err
		}
		if err := unmarshalInto(outputs, &nr.Outputs); err != nil {
			return nil, err
		}
		if err := unmarshalInto(processData, &nr.ProcessData); err != nil {
			return nil, err
		}
		nodeRuns = append(nodeRuns, nr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node runs: %w", err)
	}
	return nodeRuns, nil
}
