package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/moduly/moduly/common/db"
	"github.com/moduly/moduly/common/models"
)

// CredentialRepository handles encrypted provider credentials and their
// per-model verification rows.
type CredentialRepository struct {
	db *db.DB
}

// NewCredentialRepository creates a new credential repository.
func NewCredentialRepository(database *db.DB) *CredentialRepository {
	return &CredentialRepository{db: database}
}

// GetByID retrieves a credential by id.
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	c := &models.Credential{}
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, provider, name, encrypted_config, is_valid, created_at
		FROM credential
		WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.Provider, &c.Name, &c.EncryptedConfig,
		&c.IsValid, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// GetVerifiedForModel resolves the credential a user may spend against a
// model. The join is fail-closed: no verified credential_model row means
// no credential, even when the user owns a valid credential for the
// provider.
func (r *CredentialRepository) GetVerifiedForModel(ctx context.Context, userID, modelID string) (*models.Credential, error) {
	c := &models.Credential{}
	err := r.db.QueryRow(ctx, `
		SELECT c.id, c.user_id, c.provider, c.name, c.encrypted_config,
		       c.is_valid, c.created_at
		FROM credential c
		JOIN credential_model cm ON cm.credential_id = c.id
		WHERE c.user_id = $1
		  AND c.is_valid = TRUE
		  AND cm.model_id = $2
		  AND cm.is_verified = TRUE
		ORDER BY cm.verified_at DESC NULLS LAST
		LIMIT 1
	`, userID, modelID).Scan(&c.ID, &c.UserID, &c.Provider, &c.Name,
		&c.EncryptedConfig, &c.IsValid, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential for model: %w", err)
	}
	return c, nil
}

// MarkInvalid flags a credential after a provider rejects it.
func (r *CredentialRepository) MarkInvalid(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credential SET is_valid = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
