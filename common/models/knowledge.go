package models

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeBase groups documents embedded with one model. Changing the
// embedding model triggers a KB-wide re-index.
type KnowledgeBase struct {
	ID             uuid.UUID `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Name           string    `db:"name" json:"name"`
	EmbeddingModel string    `db:"embedding_model" json:"embedding_model"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// DocumentSourceType identifies where a document's content comes from.
type DocumentSourceType string

const (
	DocumentSourceFile DocumentSourceType = "FILE"
	DocumentSourceAPI  DocumentSourceType = "API"
	DocumentSourceDB   DocumentSourceType = "DB"
)

// DocumentStatus tracks ingestion progress.
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// Document is one ingested source inside a knowledge base.
type Document struct {
	ID           uuid.UUID              `db:"id" json:"id"`
	KBID         uuid.UUID              `db:"kb_id" json:"kb_id"`
	Filename     string                 `db:"filename" json:"filename"`
	SourceType   DocumentSourceType     `db:"source_type" json:"source_type"`
	SourceConfig map[string]interface{} `db:"source_config" json:"source_config,omitempty"`
	ContentHash  string                 `db:"content_hash" json:"content_hash"`
	Status       DocumentStatus         `db:"status" json:"status"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time              `db:"updated_at" json:"updated_at"`
}

// ChunkMetadata carries page and keyword extraction results.
type ChunkMetadata struct {
	Page     int      `json:"page,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// DocumentChunk is one retrievable unit. Content is symmetrically
// encrypted at rest; ContentHash is computed over the pre-encryption
// plaintext so unchanged chunks can reuse their stored embedding.
type DocumentChunk struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	DocumentID  uuid.UUID     `db:"document_id" json:"document_id"`
	KBID        uuid.UUID     `db:"kb_id" json:"kb_id"`
	Content     string        `db:"content" json:"content"`
	ContentHash string        `db:"content_hash" json:"content_hash"`
	Position    int           `db:"position" json:"position"`
	TokenCount  int           `db:"token_count" json:"token_count"`
	Metadata    ChunkMetadata `db:"metadata" json:"metadata"`
	Embedding   []float32     `db:"embedding" json:"-"`
}

// SearchResult is one hybrid retrieval hit returned to callers.
type SearchResult struct {
	Content    string                 `json:"content"`
	DocumentID uuid.UUID              `json:"document_id"`
	Filename   string                 `json:"filename"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata"`
}
