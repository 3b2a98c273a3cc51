package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/moduly/moduly/cmd/workflow-runner/nodes"
	"github.com/moduly/moduly/common/logger"
)

// ErrSandboxOverloaded maps the sandbox's 503 admission rejection. The
// code node surfaces it so callers can retry the run later.
var ErrSandboxOverloaded = errors.New("sandbox at capacity")

// SandboxClient implements nodes.SandboxExecutor over the sandbox
// service HTTP API.
type SandboxClient struct {
	baseClient
}

// NewSandboxClient creates a sandbox client. The timeout covers queueing
// inside the sandbox scheduler plus execution, so it runs well past the
// per-execution limit.
func NewSandboxClient(baseURL, secret string, log *logger.Logger) *SandboxClient {
	return &SandboxClient{newBaseClient(baseURL, secret, 120*time.Second, log)}
}

// Execute submits code and blocks until the sandbox finishes or rejects.
func (c *SandboxClient) Execute(ctx context.Context, req *nodes.SandboxRequest) (*nodes.SandboxResult, error) {
	var result nodes.SandboxResult
	status, err := c.postJSON(ctx, "/v1/sandbox/execute", req, &result)
	if err != nil {
		if status == http.StatusServiceUnavailable {
			return nil, ErrSandboxOverloaded
		}
		return nil, err
	}
	return &result, nil
}
