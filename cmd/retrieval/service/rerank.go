package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/moduly/moduly/cmd/retrieval/embed"
)

const (
	expandSystem = "You rewrite search queries. Answer with one query per line and nothing else."
	rerankSystem = "You score passage relevance. Answer with a single number between 0 and 10 and nothing else."
)

var numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)

// expandQuery produces up to MultiQueryCount variants of the query via
// the small model, always keeping the original first. Expansion is best
// effort: on any failure the original query alone is used.
func (s *SearchService) expandQuery(ctx context.Context, query string) []string {
	m := s.cfg.MultiQueryCount
	if s.generator == nil || m <= 1 {
		return []string{query}
	}

	prompt := fmt.Sprintf(
		"Generate %d alternative phrasings of this search query that could surface different relevant passages:\n\n%s",
		m-1, query)
	raw, err := s.generator.Generate(ctx, expandSystem, prompt)
	if err != nil {
		s.log.Warn("query expansion failed, using original query", "error", err)
		return []string{query}
	}

	variants := []string{query}
	seen := map[string]bool{strings.ToLower(query): true}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" || seen[strings.ToLower(line)] {
			continue
		}
		variants = append(variants, line)
		seen[strings.ToLower(line)] = true
		if len(variants) == m {
			break
		}
	}
	return variants
}

// rerank scores (query, content) pairs with the small model. Content is
// truncated to the rerank sequence budget. Scoring failures leave the
// candidate's rerank score unset, ranking it below scored candidates.
func (s *SearchService) rerank(ctx context.Context, query string, ranked []*candidate) {
	for _, c := range ranked {
		content := embed.TruncateTokens(readContent(s.fernet, c.hit.Chunk.Content), s.cfg.RerankMaxTokens)
		prompt := fmt.Sprintf("Query:\n%s\n\nPassage:\n%s\n\nRelevance score:", query, content)

		raw, err := s.generator.Generate(ctx, rerankSystem, prompt)
		if err != nil {
			s.log.Warn("rerank scoring failed", "chunk_id", c.hit.Chunk.ID, "error", err)
			continue
		}
		match := numberPattern.FindString(raw)
		if match == "" {
			continue
		}
		score, err := strconv.ParseFloat(match, 64)
		if err != nil || score < 0 || score > 10 {
			continue
		}
		c.rerankScore = &score
	}
}
