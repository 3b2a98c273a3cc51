package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/retrieval/embed"
	"github.com/moduly/moduly/common/config"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
)

const (
	chunkTokens        = 400
	chunkOverlapTokens = 50
	maxKeywords        = 8
)

// ErrDocumentLocked means another sync holds the per-document lock.
var ErrDocumentLocked = fmt.Errorf("document sync already in progress")

// ChunkStore is the slice of the chunk repository sync needs.
type ChunkStore interface {
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*models.DocumentChunk, error)
	ReplaceDocumentChunks(ctx context.Context, documentID uuid.UUID, chunks []*models.DocumentChunk) error
}

// DocumentStore resolves documents and their knowledge base.
type DocumentStore interface {
	GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error)
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
	ListDocumentsByKB(ctx context.Context, kbID uuid.UUID, sourceType models.DocumentSourceType) ([]*models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id uuid.UUID, status models.DocumentStatus, contentHash string) error
}

// ContentSource fetches the current text of an externally backed
// document, typically by running its configured DB query.
type ContentSource interface {
	Fetch(ctx context.Context, doc *models.Document) (string, error)
}

// DocumentLocker serializes syncs of the same document across replicas.
type DocumentLocker interface {
	Acquire(ctx context.Context, documentID uuid.UUID) (release func(), ok bool, err error)
}

// SyncStats reports how much of a sync was incremental.
type SyncStats struct {
	TotalChunks    int `json:"total_chunks"`
	ReusedChunks   int `json:"reused_chunks"`
	EmbeddedChunks int `json:"embedded_chunks"`
}

func (s *SyncStats) add(other *SyncStats) {
	s.TotalChunks += other.TotalChunks
	s.ReusedChunks += other.ReusedChunks
	s.EmbeddedChunks += other.EmbeddedChunks
}

// SyncService re-chunks document content and embeds only the chunks
// whose plaintext hash changed since the last sync.
type SyncService struct {
	docs     DocumentStore
	chunks   ChunkStore
	embedder embed.Embedder
	fernet   *crypto.Fernet
	locks    DocumentLocker
	source   ContentSource
	cfg      config.RetrievalConfig
	log      *logger.Logger
}

// SyncOpts configures the sync service. Source may be nil when only
// SyncDocument with inline content is used.
type SyncOpts struct {
	Docs     DocumentStore
	Chunks   ChunkStore
	Embedder embed.Embedder
	Fernet   *crypto.Fernet
	Locks    DocumentLocker
	Source   ContentSource
	Config   config.RetrievalConfig
	Logger   *logger.Logger
}

// NewSyncService creates the sync service.
func NewSyncService(opts *SyncOpts) *SyncService {
	return &SyncService{
		docs:     opts.Docs,
		chunks:   opts.Chunks,
		embedder: opts.Embedder,
		fernet:   opts.Fernet,
		locks:    opts.Locks,
		source:   opts.Source,
		cfg:      opts.Config,
		log:      opts.Logger,
	}
}

// SyncDocument re-indexes one document from the given plaintext. Chunks
// whose content hash matches a stored chunk keep their embedding; only
// the delta hits the embeddings API. The swap is atomic, so readers see
// either the old set or the new set.
func (s *SyncService) SyncDocument(ctx context.Context, documentID uuid.UUID, content string) (*SyncStats, error) {
	release, ok, err := s.locks.Acquire(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return nil, ErrDocumentLocked
	}
	defer release()

	doc, err := s.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	kb, err := s.docs.GetKB(ctx, doc.KBID)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}

	docHash := hashText(content)
	if doc.ContentHash == docHash && doc.Status == models.DocumentStatusReady {
		existing, err := s.chunks.ListByDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		return &SyncStats{TotalChunks: len(existing), ReusedChunks: len(existing)}, nil
	}

	if err := s.docs.UpdateDocumentStatus(ctx, documentID, models.DocumentStatusProcessing, ""); err != nil {
		return nil, err
	}

	stats, err := s.rebuild(ctx, doc, kb, content)
	if err != nil {
		if statusErr := s.docs.UpdateDocumentStatus(ctx, documentID, models.DocumentStatusFailed, ""); statusErr != nil {
			s.log.Error("failed to mark document failed", "document_id", documentID, "error", statusErr)
		}
		return nil, err
	}

	if err := s.docs.UpdateDocumentStatus(ctx, documentID, models.DocumentStatusReady, docHash); err != nil {
		return nil, err
	}
	s.log.Info("document synced",
		"document_id", documentID,
		"total", stats.TotalChunks,
		"reused", stats.ReusedChunks,
		"embedded", stats.EmbeddedChunks)
	return stats, nil
}

// SyncKB refreshes every DB-backed document in a knowledge base.
// Documents locked by a concurrent sync are skipped, not failed.
func (s *SyncService) SyncKB(ctx context.Context, kbID uuid.UUID) (*SyncStats, error) {
	if s.source == nil {
		return nil, fmt.Errorf("no content source configured")
	}
	docs, err := s.docs.ListDocumentsByKB(ctx, kbID, models.DocumentSourceDB)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	total := &SyncStats{}
	for _, doc := range docs {
		content, err := s.source.Fetch(ctx, doc)
		if err != nil {
			s.log.Error("document fetch failed", "document_id", doc.ID, "error", err)
			continue
		}
		stats, err := s.SyncDocument(ctx, doc.ID, content)
		if err == ErrDocumentLocked {
			s.log.Warn("document locked, skipping", "document_id", doc.ID)
			continue
		}
		if err != nil {
			return total, fmt.Errorf("sync document %s: %w", doc.ID, err)
		}
		total.add(stats)
	}
	return total, nil
}

func (s *SyncService) rebuild(ctx context.Context, doc *models.Document, kb *models.KnowledgeBase, content string) (*SyncStats, error) {
	existing, err := s.chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	reusable := make(map[string][]float32, len(existing))
	for _, c := range existing {
		if len(c.Embedding) > 0 {
			reusable[c.ContentHash] = c.Embedding
		}
	}

	pieces := chunkText(content)
	stats := &SyncStats{TotalChunks: len(pieces)}

	rows := make([]*models.DocumentChunk, len(pieces))
	var pending []int
	for i, piece := range pieces {
		hash := hashText(piece)
		encrypted, err := s.fernet.Encrypt([]byte(piece))
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %d: %w", i, err)
		}
		rows[i] = &models.DocumentChunk{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			KBID:        doc.KBID,
			Content:     encrypted,
			ContentHash: hash,
			Position:    i,
			TokenCount:  embed.EstimateTokens(piece),
			Metadata:    models.ChunkMetadata{Keywords: extractKeywords(piece)},
		}
		if vec, ok := reusable[hash]; ok {
			rows[i].Embedding = vec
			stats.ReusedChunks++
		} else {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += s.cfg.EmbedBatchSize {
		end := start + s.cfg.EmbedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = embed.TruncateTokens(pieces[idx], s.cfg.EmbedMaxTokens)
		}
		vectors, err := s.embedder.Embed(ctx, kb.EmbeddingModel, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunk batch: %w", err)
		}
		for j, idx := range batch {
			rows[idx].Embedding = vectors[j]
		}
		stats.EmbeddedChunks += len(batch)
	}

	if err := s.chunks.ReplaceDocumentChunks(ctx, doc.ID, rows); err != nil {
		return nil, fmt.Errorf("swap chunks: %w", err)
	}
	return stats, nil
}

// chunkText splits text into overlapping word windows sized by the
// four-characters-per-token estimate.
func chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	// Roughly 0.75 words per token.
	windowWords := chunkTokens * 3 / 4
	overlapWords := chunkOverlapTokens * 3 / 4
	step := windowWords - overlapWords

	var pieces []string
	for start := 0; start < len(words); start += step {
		end := start + windowWords
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return pieces
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "are": true, "was": true, "were": true,
	"has": true, "have": true, "not": true, "but": true, "its": true,
	"you": true, "your": true, "their": true, "they": true, "will": true,
}

// extractKeywords picks the most frequent non-stopword terms of a chunk.
// The terms feed the sparse index alongside the raw content.
func extractKeywords(text string) []string {
	counts := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) < 4 || stopWords[w] {
			continue
		}
		counts[w]++
	}

	terms := make([]string, 0, len(counts))
	for w := range counts {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > maxKeywords {
		terms = terms[:maxKeywords]
	}
	return terms
}
