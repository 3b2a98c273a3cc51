package nodes

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

// KnowledgeRunner queries a knowledge base through the retrieval
// service's hybrid search.
type KnowledgeRunner struct {
	Retrieval Searcher
}

func (r *KnowledgeRunner) Run(ctx context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	if r.Retrieval == nil {
		return nil, fmt.Errorf("retrieval client not configured")
	}
	data := exec.Node.Data

	kbRaw, err := configString(data, "kb_id")
	if err != nil {
		return nil, err
	}
	kbID, err := uuid.Parse(kbRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid kb_id: %w", err)
	}
	queryTemplate, err := configString(data, "query")
	if err != nil {
		return nil, err
	}
	query := engine.Interpolate(exec.Inputs, queryTemplate)

	results, err := r.Retrieval.Search(ctx, &SearchRequest{
		KBID:       kbID,
		Query:      query,
		TopK:       int(optFloat(data, "top_k")),
		SearchMode: optString(data, "search_mode"),
		Rerank:     optBool(data, "rerank"),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge retrieval failed: %w", err)
	}

	items := make([]interface{}, len(results))
	for i, res := range results {
		items[i] = map[string]interface{}{
			"content":     res.Content,
			"document_id": res.DocumentID.String(),
			"filename":    res.Filename,
			"score":       res.Score,
			"metadata":    res.Metadata,
		}
	}
	return map[string]interface{}{
		"query":   query,
		"results": items,
		"count":   len(items),
	}, nil
}
