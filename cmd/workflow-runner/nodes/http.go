package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/moduly/moduly/cmd/workflow-runner/engine"
)

const maxResponseBytes = 10 << 20 // 10 MiB

// HTTPRunner performs an outbound HTTP call. The URL and body are
// resolved against the input view; the destination is SSRF-validated
// before any connection is made.
type HTTPRunner struct {
	Client    *http.Client
	Validator *URLValidator
}

func (r *HTTPRunner) Run(ctx context.Context, exec *engine.Execution) (map[string]interface{}, error) {
	data := exec.Node.Data

	rawURL, err := configString(data, "url")
	if err != nil {
		return nil, err
	}
	targetURL := engine.Interpolate(exec.Inputs, rawURL)

	if err := r.Validator.Validate(targetURL); err != nil {
		return nil, fmt.Errorf("url rejected: %w", err)
	}

	method := strings.ToUpper(optString(data, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if rawBody, ok := data["body"]; ok {
		resolved := resolveValue(exec.Inputs, rawBody)
		encoded, err := json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := data["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, engine.Interpolate(exec.Inputs, s))
			}
		}
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Structured responses surface as a tree so selectors can navigate
	// them; everything else passes through as a string.
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        parsed,
		"headers":     flattenHeaders(resp.Header),
	}, nil
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
