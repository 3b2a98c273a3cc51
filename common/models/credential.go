package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is a user-owned encrypted provider secret. EncryptedConfig
// holds the Fernet-encrypted provider payload; credentials are marked
// invalid rather than deleted so run history keeps its references.
type Credential struct {
	ID              uuid.UUID `db:"id" json:"id"`
	UserID          string    `db:"user_id" json:"user_id"`
	Provider        string    `db:"provider" json:"provider"`
	Name            string    `db:"name" json:"name"`
	EncryptedConfig string    `db:"encrypted_config" json:"-"`
	IsValid         bool      `db:"is_valid" json:"is_valid"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// CredentialModel is the credential↔model verification join. Only rows
// with IsVerified grant a model to a credential; the LLM node resolves
// credentials fail-closed through this table.
type CredentialModel struct {
	CredentialID uuid.UUID `db:"credential_id" json:"credential_id"`
	ModelID      string    `db:"model_id" json:"model_id"`
	IsVerified   bool      `db:"is_verified" json:"is_verified"`
	VerifiedAt   *time.Time `db:"verified_at" json:"verified_at,omitempty"`
}
