package clients

import (
	"context"
	"time"

	"github.com/moduly/moduly/cmd/workflow-runner/nodes"
	"github.com/moduly/moduly/common/logger"
	"github.com/moduly/moduly/common/models"
)

// RetrievalClient implements nodes.Searcher over the retrieval service
// HTTP API.
type RetrievalClient struct {
	baseClient
}

// NewRetrievalClient creates a retrieval client.
func NewRetrievalClient(baseURL, secret string, log *logger.Logger) *RetrievalClient {
	return &RetrievalClient{newBaseClient(baseURL, secret, 60*time.Second, log)}
}

type searchResponse struct {
	Results []models.SearchResult `json:"results"`
	Count   int                   `json:"count"`
}

// Search runs a hybrid search against one knowledge base.
func (c *RetrievalClient) Search(ctx context.Context, req *nodes.SearchRequest) ([]models.SearchResult, error) {
	var resp searchResponse
	if _, err := c.postJSON(ctx, "/v1/retrieval/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}
