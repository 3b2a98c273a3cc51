// Package clients holds HTTP clients for the internal services the
// engine delegates to: the sandbox executor and the retrieval service.
// Requests carry X-Internal-Service so the receiving side skips user
// rate limits.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/moduly/moduly/common/logger"
)

const maxErrorBodyBytes = 4 << 10

type baseClient struct {
	http    *http.Client
	baseURL string
	secret  string
	log     *logger.Logger
}

func newBaseClient(baseURL, secret string, timeout time.Duration, log *logger.Logger) baseClient {
	return baseClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		secret:  secret,
		log:     log,
	}
}

// postJSON sends a JSON body and decodes a JSON response. The HTTP
// status is returned alongside so callers can map service-specific
// statuses (e.g. 503 from an overloaded sandbox) to typed errors.
func (c *baseClient) postJSON(ctx context.Context, path string, in, out interface{}) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Internal-Service", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// StatusError is a non-2xx response from an internal service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("internal service returned %d: %s", e.Status, e.Body)
}
