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

// KnowledgeRepository handles knowledge bases and documents.
type KnowledgeRepository struct {
	db *db.DB
}

// NewKnowledgeRepository creates a new knowledge repository.
func NewKnowledgeRepository(database *db.DB) *KnowledgeRepository {
	return &KnowledgeRepository{db: database}
}

// GetKB retrieves a knowledge base by id.
func (r *KnowledgeRepository) GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error) {
	kb := &models.KnowledgeBase{}
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, embedding_model, created_at
		FROM knowledge_base
		WHERE id = $1
	`, id).Scan(&kb.ID, &kb.UserID, &kb.Name, &kb.EmbeddingModel, &kb.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return kb, nil
}

// UpdateKBEmbeddingModel records a model change. Callers must follow with
// a full re-index: stored vectors are stale the moment this commits.
func (r *KnowledgeRepository) UpdateKBEmbeddingModel(ctx context.Context, id uuid.UUID, model string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE knowledge_base SET embedding_model = $2 WHERE id = $1`, id, model)
	if err != nil {
		return fmt.Errorf("failed to update embedding model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocument retrieves a document by id.
func (r *KnowledgeRepository) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	d := &models.Document{}
	var sourceConfig []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, kb_id, filename, source_type, source_config, content_hash,
		       status, created_at, updated_at
		FROM document
		WHERE id = $1
	`, id).Scan(&d.ID, &d.KBID, &d.Filename, &d.SourceType, &sourceConfig,
		&d.ContentHash, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if err := unmarshalInto(sourceConfig, &d.SourceConfig); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDocumentsByKB returns documents for a KB, optionally filtered by
// source type.
func (r *KnowledgeRepository) ListDocumentsByKB(ctx context.Context, kbID uuid.UUID, sourceType models.DocumentSourceType) ([]*models.Document, error) {
	query := `
		SELECT id, kb_id, filename, source_type, source_config, content_hash,
		       status, created_at, updated_at
		FROM document
		WHERE kb_id = $1
	`
	args := []any{kbID}
	if sourceType != "" {
		query += ` AND source_type = $2`
		args = append(args, sourceType)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		d := &models.Document{}
		var sourceConfig []byte
		err := rows.Scan(&d.ID, &d.KBID, &d.Filename, &d.SourceType, &sourceConfig,
			&d.ContentHash, &d.Status, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if err := unmarshalInto(sourceConfig, &d.SourceConfig); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// UpdateDocumentStatus moves a document through the ingestion lifecycle.
func (r *KnowledgeRepository) UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, contentHash string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE document
		SET status = $2, content_hash = COALESCE(NULLIF($3, ''), content_hash), updated_at = NOW()
		WHERE id = $1
	`, id, status, contentHash)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return raw, nil
}
