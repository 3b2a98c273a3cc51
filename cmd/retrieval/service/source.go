package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/moduly/moduly/common/db"
	"github.com/moduly/moduly/common/models"
)

const maxSourceRows = 10000

// DBContentSource materializes DB-backed documents by running the query
// stored in their source config. Each row becomes one line of text.
type DBContentSource struct {
	db *db.DB
}

// NewDBContentSource creates a content source over the shared pool.
func NewDBContentSource(database *db.DB) *DBContentSource {
	return &DBContentSource{db: database}
}

// Fetch runs the configured query and renders rows as text. Only SELECT
// statements are accepted.
func (s *DBContentSource) Fetch(ctx context.Context, doc *models.Document) (string, error) {
	raw, ok := doc.SourceConfig["query"].(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("document %s has no source query", doc.ID)
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(raw)), "SELECT") {
		return "", fmt.Errorf("source query must be a SELECT statement")
	}

	rows, err := s.db.Query(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("run source query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var b strings.Builder
	count := 0
	for rows.Next() {
		if count >= maxSourceRows {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("read source row: %w", err)
		}
		for i, v := range values {
			if i > 0 {
				b.WriteString(" | ")
			}
			fmt.Fprintf(&b, "%s: %v", fields[i].Name, v)
		}
		b.WriteByte('\n')
		count++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate source rows: %w", err)
	}
	return b.String(), nil
}
