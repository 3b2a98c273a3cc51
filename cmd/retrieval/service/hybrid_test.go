package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/retrieval/embed"
	"github.com/moduly/moduly/common/config"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
	"github.com/moduly/moduly/common/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFernet(t *testing.T) *crypto.Fernet {
	t.Helper()
	key := base64.URLEncoding.EncodeToString(make([]byte, 32))
	f, err := crypto.NewFernet(key)
	require.NoError(t, err)
	return f
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:                5,
		CandidateK:          50,
		RRFConstant:         60,
		MultiQueryCount:     1,
		SimilarityThreshold: 0.5,
		RerankMaxTokens:     512,
		EmbedBatchSize:      50,
		EmbedMaxTokens:      8000,
	}
}

type fakeKBs struct {
	kb *models.KnowledgeBase
}

func (f *fakeKBs) GetKB(ctx context.Context, id uuid.UUID) (*models.KnowledgeBase, error) {
	if f.kb == nil || f.kb.ID != id {
		return nil, repository.ErrNotFound
	}
	return f.kb, nil
}

type fakeEmbedder struct {
	calls int
	texts []string
}

func (f *fakeEmbedder) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	f.calls++
	f.texts = append(f.texts, texts...)
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

// fakeChunks serves scripted hit lists. Sparse lists are keyed by the
// variant text; the dense list is the same for every variant.
type fakeChunks struct {
	dense  []*repository.ChunkHit
	sparse map[string][]*repository.ChunkHit
}

func (f *fakeChunks) DenseSearch(ctx context.Context, kbID uuid.UUID, embedding []float32, limit int) ([]*repository.ChunkHit, error) {
	return truncateHits(f.dense, limit), nil
}

func (f *fakeChunks) SparseSearch(ctx context.Context, kbID uuid.UUID, queryText string, limit int) ([]*repository.ChunkHit, error) {
	return truncateHits(f.sparse[queryText], limit), nil
}

func truncateHits(hits []*repository.ChunkHit, limit int) []*repository.ChunkHit {
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

type fakeGenerator struct {
	fn func(system, prompt string) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	return f.fn(system, prompt)
}

func hit(id uuid.UUID, content string, score float64) *repository.ChunkHit {
	return &repository.ChunkHit{
		Chunk: &models.DocumentChunk{
			ID:         id,
			DocumentID: uuid.New(),
			Content:    content,
		},
		Filename: "doc.txt",
		Score:    score,
	}
}

func newTestSearch(t *testing.T, chunks *fakeChunks, gen TextGenerator, cfg config.RetrievalConfig) (*SearchService, *fakeKBs, *fakeEmbedder) {
	t.Helper()
	kbs := &fakeKBs{kb: &models.KnowledgeBase{ID: uuid.New(), EmbeddingModel: "text-embedding-3-small"}}
	embedder := &fakeEmbedder{}
	svc := NewSearchService(&SearchOpts{
		KBs:       kbs,
		Chunks:    chunks,
		Embedder:  embedder,
		Generator: gen,
		Fernet:    testFernet(t),
		Config:    cfg,
		Logger:    logger.New("error", "text"),
	})
	return svc, kbs, embedder
}

func TestHybridFusionRanksAgreementHigher(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	chunks := &fakeChunks{
		dense: []*repository.ChunkHit{hit(a, "both lists", 0.9), hit(b, "dense only", 0.8)},
		sparse: map[string][]*repository.ChunkHit{
			"workflow timeout": {hit(a, "both lists", 4.0), hit(c, "sparse only", 3.0)},
		},
	}
	svc, kbs, _ := newTestSearch(t, chunks, nil, testRetrievalConfig())

	results, err := svc.Search(context.Background(), &SearchRequest{
		KBID:  kbs.kb.ID,
		Query: "workflow timeout",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "both lists", results[0].Content)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "hybrid", results[0].Metadata["search_method"])
}

func TestCrossVariantMergeKeepsMaxFusedScore(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.MultiQueryCount = 2
	a, b := uuid.New(), uuid.New()
	chunks := &fakeChunks{
		sparse: map[string][]*repository.ChunkHit{
			"original":      {hit(a, "shared", 4.0)},
			"reworded form": {hit(b, "other", 5.0), hit(a, "shared", 3.0)},
		},
	}
	gen := &fakeGenerator{fn: func(system, prompt string) (string, error) {
		return "reworded form", nil
	}}
	svc, kbs, _ := newTestSearch(t, chunks, gen, cfg)

	results, err := svc.Search(context.Background(), &SearchRequest{
		KBID:  kbs.kb.ID,
		Query: "original",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Chunk a ranks 1st in one variant and 2nd in another. The merge
	// keeps the best score rather than summing across variants.
	best := 1.0 / float64(cfg.RRFConstant+1)
	for _, r := range results {
		if r.Content == "shared" {
			assert.InDelta(t, best, r.Metadata["rrf_score"], 1e-9)
		}
	}
}

func TestSimilarityThresholdOnlyAppliesInDenseMode(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	chunks := &fakeChunks{
		dense: []*repository.ChunkHit{hit(a, "close match", 0.9), hit(b, "weak match", 0.2)},
		sparse: map[string][]*repository.ChunkHit{
			"query": {hit(b, "weak match", 1.0)},
		},
	}
	svc, kbs, _ := newTestSearch(t, chunks, nil, testRetrievalConfig())

	dense, err := svc.Search(context.Background(), &SearchRequest{
		KBID: kbs.kb.ID, Query: "query", SearchMode: ModeDense,
	})
	require.NoError(t, err)
	require.Len(t, dense, 1)
	assert.Equal(t, "close match", dense[0].Content)

	hybrid, err := svc.Search(context.Background(), &SearchRequest{
		KBID: kbs.kb.ID, Query: "query",
	})
	require.NoError(t, err)
	assert.Len(t, hybrid, 2, "RRF scores live on a different scale, no raw threshold")
}

func TestEncryptedChunkContentIsDecrypted(t *testing.T) {
	f := testFernet(t)
	token, err := f.Encrypt([]byte("secret plaintext"))
	require.NoError(t, err)

	a, b := uuid.New(), uuid.New()
	chunks := &fakeChunks{
		sparse: map[string][]*repository.ChunkHit{
			"query": {hit(a, token, 2.0), hit(b, crypto.TokenPrefix+"not-a-real-token", 1.0)},
		},
	}
	svc, kbs, _ := newTestSearch(t, chunks, nil, testRetrievalConfig())

	results, err := svc.Search(context.Background(), &SearchRequest{
		KBID: kbs.kb.ID, Query: "query", SearchMode: ModeSparse,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "secret plaintext", results[0].Content)
	assert.Equal(t, "[ENCRYPTED CONTENT]", results[1].Content)
}

func TestRerankReordersByModelScore(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	chunks := &fakeChunks{
		sparse: map[string][]*repository.ChunkHit{
			"query": {hit(a, "alpha passage", 5.0), hit(b, "beta passage", 4.0)},
		},
	}
	gen := &fakeGenerator{fn: func(system, prompt string) (string, error) {
		if strings.Contains(prompt, "beta") {
			return "9", nil
		}
		return "2.5", nil
	}}
	svc, kbs, _ := newTestSearch(t, chunks, gen, testRetrievalConfig())

	results, err := svc.Search(context.Background(), &SearchRequest{
		KBID: kbs.kb.ID, Query: "query", SearchMode: ModeSparse, Rerank: true,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "beta passage", results[0].Content)
	assert.Equal(t, 9.0, results[0].Score)
	assert.Equal(t, 2.5, results[1].Metadata["rerank_score"])
}

func TestExpandQueryFallsBackOnGeneratorError(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.MultiQueryCount = 3
	gen := &fakeGenerator{fn: func(system, prompt string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	}}
	chunks := &fakeChunks{
		sparse: map[string][]*repository.ChunkHit{
			"query": {hit(uuid.New(), "result", 1.0)},
		},
	}
	svc, kbs, embedder := newTestSearch(t, chunks, gen, cfg)

	results, err := svc.Search(context.Background(), &SearchRequest{
		KBID: kbs.kb.ID, Query: "query",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, embedder.calls, "only the original query should be embedded")
}

func TestExpandQueryParsesNumberedLines(t *testing.T) {
	cfg := testRetrievalConfig()
	cfg.MultiQueryCount = 3
	gen := &fakeGenerator{fn: func(system, prompt string) (string, error) {
		return "1. first variant\n2. second variant\n3. third variant\n\nfirst variant", nil
	}}
	svc, _, _ := newTestSearch(t, &fakeChunks{}, gen, cfg)

	variants := svc.expandQuery(context.Background(), "original")
	require.Equal(t, []string{"original", "first variant", "second variant"}, variants)
}

func TestRerankTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	var seen string
	gen := &fakeGenerator{fn: func(system, prompt string) (string, error) {
		seen = prompt
		return "5", nil
	}}
	svc, _, _ := newTestSearch(t, &fakeChunks{}, gen, testRetrievalConfig())

	ranked := []*candidate{{hit: hit(uuid.New(), long, 1.0)}}
	svc.rerank(context.Background(), "query", ranked)

	require.NotNil(t, ranked[0].rerankScore)
	maxLen := len("Query:\nquery\n\nPassage:\n") + 512*4 + len("\n\nRelevance score:")
	assert.LessOrEqual(t, len(seen), maxLen)
	assert.Less(t, len(seen), len(long))
}

func TestWideningCandidatePoolPreservesTopResults(t *testing.T) {
	a, b, c, d, e, f, g := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	chunks := &fakeChunks{
		dense: []*repository.ChunkHit{
			hit(a, "a", 0.9), hit(b, "b", 0.8), hit(c, "c", 0.7),
			hit(d, "d", 0.6), hit(e, "e", 0.5),
		},
		sparse: map[string][]*repository.ChunkHit{
			"query": {
				hit(a, "a", 5.0), hit(b, "b", 4.0), hit(c, "c", 3.0),
				hit(f, "f", 2.0), hit(g, "g", 1.0),
			},
		},
	}

	search := func(candidateK int) []models.SearchResult {
		cfg := testRetrievalConfig()
		cfg.CandidateK = candidateK
		cfg.TopK = 10
		svc, kbs, _ := newTestSearch(t, chunks, nil, cfg)
		results, err := svc.Search(context.Background(), &SearchRequest{
			KBID: kbs.kb.ID, Query: "query",
		})
		require.NoError(t, err)
		return results
	}

	narrow := search(3)
	wide := search(5)

	require.Len(t, narrow, 3)
	require.GreaterOrEqual(t, len(wide), len(narrow))

	// Per-list ranks are unchanged by widening, so the narrow run's
	// fused ordering must survive as a prefix of the wide run.
	for i, r := range narrow {
		assert.Equal(t, r.Content, wide[i].Content,
			"widening the candidate pool must not drop or reorder rank %d", i)
	}
}

func TestSearchRejectsUnknownKB(t *testing.T) {
	svc, _, _ := newTestSearch(t, &fakeChunks{}, nil, testRetrievalConfig())
	_, err := svc.Search(context.Background(), &SearchRequest{KBID: uuid.New(), Query: "q"})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

var _ embed.Embedder = (*fakeEmbedder)(nil)
