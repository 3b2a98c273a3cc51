package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/moduly/moduly/common/db"
	"github.com/moduly/moduly/common/models"
)

// ChunkHit is one ranked row from a dense or sparse query.
type ChunkHit struct {
	Chunk    *models.DocumentChunk
	Filename string
	Score    float64
}

// ChunkRepository stores document chunks alongside their dense vector
// (pgvector column) and a generated tsvector over content plus keywords.
// Content arrives already encrypted; this layer never sees plaintext.
type ChunkRepository struct {
	db *db.DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(database *db.DB) *ChunkRepository {
	return &ChunkRepository{db: database}
}

// ListByDocument loads all chunks of a document in position order,
// embeddings included so the sync path can reuse them.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.DocumentChunk, error) {
	query := `
		SELECT id, document_id, kb_id, content, content_hash, position,
		       token_count, metadata, embedding::text
		FROM document_chunk
		WHERE document_id = $1
		ORDER BY position ASC
	`
	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.DocumentChunk
	for rows.Next() {
		c := &models.DocumentChunk{}
		var metadata []byte
		var embedding *string
		err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.Content, &c.ContentHash,
			&c.Position, &c.TokenCount, &metadata, &embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if err := unmarshalInto(metadata, &c.Metadata); err != nil {
			return nil, err
		}
		if embedding != nil {
			vec, err := parseVector(*embedding)
			if err != nil {
				return nil, err
			}
			c.Embedding = vec
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// ReplaceDocumentChunks deletes all chunks for a document and inserts the
// new set in one transaction. The atomic swap guarantees the document is
// either fully updated or unchanged on failure.
func (r *ChunkRepository) ReplaceDocumentChunks(ctx context.Context, documentID uuid.UUID, chunks []*models.DocumentChunk) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk swap: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunk WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete existing chunks: %w", err)
	}

	for _, c := range chunks {
		metadata, err := marshalJSON(c.Metadata)
		if err != nil {
			return err
		}
		keywords := strings.Join(c.Metadata.Keywords, " ")
		_, err = tx.Exec(ctx, `
			INSERT INTO document_chunk (
				id, document_id, kb_id, content, content_hash, position,
				token_count, metadata, keywords, embedding
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector)
		`, c.ID, c.DocumentID, c.KBID, c.Content, c.ContentHash, c.Position,
			c.TokenCount, metadata, keywords, formatVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Position, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunk swap: %w", err)
	}
	return nil
}

// DenseSearch ranks chunks by cosine distance to the query embedding.
func (r *ChunkRepository) DenseSearch(ctx context.Context, kbID uuid.UUID, embedding []float32, limit int) ([]*ChunkHit, error) {
	query := `
		SELECT c.id, c.document_id, c.kb_id, c.content, c.content_hash,
		       c.position, c.token_count, c.metadata, d.filename,
		       1 - (c.embedding <=> $2::vector) AS score
		FROM document_chunk c
		JOIN document d ON d.id = c.document_id
		WHERE c.kb_id = $1
		ORDER BY c.embedding <=> $2::vector
		LIMIT $3
	`
	return r.queryHits(ctx, query, kbID, formatVector(embedding), limit)
}

// SparseSearch ranks chunks by full-text relevance over content plus
// extracted keyword phrases.
func (r *ChunkRepository) SparseSearch(ctx context.Context, kbID uuid.UUID, queryText string, limit int) ([]*ChunkHit, error) {
	query := `
		SELECT c.id, c.document_id, c.kb_id, c.content, c.content_hash,
		       c.position, c.token_count, c.metadata, d.filename,
		       ts_rank_cd(c.search_vector, plainto_tsquery('simple', $2)) AS score
		FROM document_chunk c
		JOIN document d ON d.id = c.document_id
		WHERE c.kb_id = $1
		  AND c.search_vector @@ plainto_tsquery('simple', $2)
		ORDER BY score DESC
		LIMIT $3
	`
	return r.queryHits(ctx, query, kbID, queryText, limit)
}

func (r *ChunkRepository) queryHits(ctx context.Context, query string, kbID uuid.UUID, arg any, limit int) ([]*ChunkHit, error) {
	rows, err := r.db.Query(ctx, query, kbID, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	defer rows.Close()

	var hits []*ChunkHit
	for rows.Next() {
		c := &models.DocumentChunk{}
		hit := &ChunkHit{Chunk: c}
		var metadata []byte
		err := rows.Scan(&c.ID, &c.DocumentID, &c.KBID, &c.Content, &c.ContentHash,
			&c.Position, &c.TokenCount, &metadata, &hit.Filename, &hit.Score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk hit: %w", err)
		}
		if err := unmarshalInto(metadata, &c.Metadata); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk hits: %w", err)
	}
	return hits, nil
}

// formatVector renders an embedding as a pgvector literal.
func formatVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector reads a pgvector text literal back into a float slice.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
