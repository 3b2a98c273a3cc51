package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/retrieval/embed"
	"github.com/moduly/moduly/common/config"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/repository"
)

// Search modes. Hybrid fuses dense and sparse lists; the single-signal
// modes exist for debugging and for KBs without one of the indexes.
const (
	ModeHybrid = "hybrid"
	ModeDense  = "dense"
	ModeSparse = "sparse"
)

// ChunkSearcher is the slice of the chunk repository search needs.
type ChunkSearcher interface {
	DenseSearch(ctx context.Context, kbID uuid.UUID, embedding []float32, limit int) ([]*repository.ChunkHit, error)
	SparseSearch(ctx context.Context, kbID uuid.UUID, queryText string, limit int) ([]*repository.ChunkHit, error)
}

// KBLoader resolves the knowledge base and its embedding model.
type KBLoader interface {
	GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error)
}

// SearchRequest is one retrieval call.
type SearchRequest struct {
	KBID       uuid.UUID `json:"kb_id"`
	Query      string    `json:"query"`
	TopK       int       `json:"top_k,omitempty"`
	SearchMode string    `json:"search_mode,omitempty"`
	Rerank     bool      `json:"rerank,omitempty"`
}

// SearchService runs hybrid retrieval over one knowledge base.
type SearchService struct {
	kbs       KBLoader
	chunks    ChunkSearcher
	embedder  embed.Embedder
	generator TextGenerator
	fernet    *crypto.Fernet
	cfg       config.RetrievalConfig
	log       *logger.Logger
}

// SearchOpts configures the search service. Generator may be nil, which
// disables multi-query expansion and reranking.
type SearchOpts struct {
	KBs       KBLoader
	Chunks    ChunkSearcher
	Embedder  embed.Embedder
	Generator TextGenerator
	Fernet    *crypto.Fernet
	Config    config.RetrievalConfig
	Logger    *logger.Logger
}

// NewSearchService creates the search service.
func NewSearchService(opts *SearchOpts) *SearchService {
	return &SearchService{
		kbs:       opts.KBs,
		chunks:    opts.Chunks,
		embedder:  opts.Embedder,
		generator: opts.Generator,
		fernet:    opts.Fernet,
		cfg:       opts.Config,
		log:       opts.Logger,
	}
}

// candidate accumulates fusion state for one chunk across variants.
type candidate struct {
	hit         *repository.ChunkHit
	fusedScore  float64
	denseScore  float64
	sparseScore float64
	rerankScore *float64
}

// Search runs the retrieval pipeline: variant expansion, per-variant
// dense and sparse lists fused with RRF, cross-variant max merge,
// optional rerank, trim to top-K.
func (s *SearchService) Search(ctx context.Context, req *SearchRequest) ([]models.SearchResult, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	kb, err := s.kbs.GetKB(ctx, req.KBID)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}

	mode := req.SearchMode
	if mode == "" {
		mode = ModeHybrid
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}

	variants := []string{req.Query}
	if mode == ModeHybrid {
		variants = s.expandQuery(ctx, req.Query)
	}

	candidates := make(map[uuid.UUID]*candidate)
	for _, variant := range variants {
		if err := s.searchVariant(ctx, kb, variant, mode, candidates); err != nil {
			return nil, err
		}
	}

	ranked := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].fusedScore > ranked[j].fusedScore
	})
	if len(ranked) > s.cfg.CandidateK {
		ranked = ranked[:s.cfg.CandidateK]
	}

	// Raw cosine thresholds only apply outside hybrid mode; RRF scores
	// live on a different scale.
	if mode == ModeDense {
		kept := ranked[:0]
		for _, c := range ranked {
			if c.denseScore >= s.cfg.SimilarityThreshold {
				kept = append(kept, c)
			}
		}
		ranked = kept
	}

	if req.Rerank && s.generator != nil {
		s.rerank(ctx, req.Query, ranked)
		sort.SliceStable(ranked, func(i, j int) bool {
			return rerankValue(ranked[i]) > rerankValue(ranked[j])
		})
	}

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return s.buildResults(mode, ranked), nil
}

// searchVariant folds one query variant's dense and sparse lists into
// the candidate map, keeping the maximum fused score per chunk.
func (s *SearchService) searchVariant(ctx context.Context, kb *models.KnowledgeBase, variant, mode string, candidates map[uuid.UUID]*candidate) error {
	var dense, sparse []*repository.ChunkHit
	var err error

	if mode == ModeHybrid || mode == ModeDense {
		vectors, embedErr := s.embedder.Embed(ctx, kb.EmbeddingModel, []string{variant})
		if embedErr != nil {
			return fmt.Errorf("embed query: %w", embedErr)
		}
		dense, err = s.chunks.DenseSearch(ctx, kb.ID, vectors[0], s.cfg.CandidateK)
		if err != nil {
			return err
		}
	}
	if mode == ModeHybrid || mode == ModeSparse {
		sparse, err = s.chunks.SparseSearch(ctx, kb.ID, variant, s.cfg.CandidateK)
		if err != nil {
			return err
		}
	}

	fused := make(map[uuid.UUID]*candidate)
	accumulate := func(hits []*repository.ChunkHit, isDense bool) {
		for rank, hit := range hits {
			c, ok := fused[hit.Chunk.ID]
			if !ok {
				c = &candidate{hit: hit}
				fused[hit.Chunk.ID] = c
			}
			c.fusedScore += 1.0 / float64(s.cfg.RRFConstant+rank+1)
			if isDense {
				c.denseScore = hit.Score
			} else {
				c.sparseScore = hit.Score
			}
		}
	}
	accumulate(dense, true)
	accumulate(sparse, false)

	// Single-signal modes rank on the raw score instead of RRF.
	if mode != ModeHybrid {
		for _, c := range fused {
			if mode == ModeDense {
				c.fusedScore = c.denseScore
			} else {
				c.fusedScore = c.sparseScore
			}
		}
	}

	for id, c := range fused {
		existing, ok := candidates[id]
		if !ok || c.fusedScore > existing.fusedScore {
			candidates[id] = c
		}
	}
	return nil
}

func rerankValue(c *candidate) float64 {
	if c.rerankScore != nil {
		return *c.rerankScore
	}
	return -1
}

func (s *SearchService) buildResults(mode string, ranked []*candidate) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(ranked))
	for _, c := range ranked {
		metadata := map[string]interface{}{
			"search_method": mode,
			"rrf_score":     c.fusedScore,
			"dense_score":   c.denseScore,
			"sparse_score":  c.sparseScore,
		}
		if c.rerankScore != nil {
			metadata["rerank_score"] = *c.rerankScore
		}
		if c.hit.Chunk.Metadata.Page > 0 {
			metadata["page"] = c.hit.Chunk.Metadata.Page
		}
		if len(c.hit.Chunk.Metadata.Keywords) > 0 {
			metadata["keywords"] = c.hit.Chunk.Metadata.Keywords
		}

		score := c.fusedScore
		if c.rerankScore != nil {
			score = *c.rerankScore
		}
		results = append(results, models.SearchResult{
			Content:    readContent(s.fernet, c.hit.Chunk.Content),
			DocumentID: c.hit.Chunk.DocumentID,
			Filename:   c.hit.Filename,
			Score:      score,
			Metadata:   metadata,
		})
	}
	return results
}
