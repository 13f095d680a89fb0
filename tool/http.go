package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPTool performs HTTP requests on behalf of the agent. Dynamic
// tools constructed with kind "http" bind a fixed method and URL over
// this implementation.
type HTTPTool struct {
	name    string
	method  string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPTool creates a general http_request tool: the agent supplies
// url, method, headers and body per call.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{
		name:   "http_request",
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewBoundHTTPTool creates a named tool pinned to one endpoint; per-call
// input may add a body and extra headers.
func NewBoundHTTPTool(name, method, url string, headers map[string]string) *HTTPTool {
	return &HTTPTool{
		name:    name,
		method:  strings.ToUpper(method),
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return h.name }

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr := h.url
	if urlStr == "" {
		s, ok := input["url"].(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("url parameter required (string)")
		}
		urlStr = s
	}

	method := h.method
	if method == "" {
		method = "GET"
		if m, ok := input["method"].(string); ok && m != "" {
			method = strings.ToUpper(m)
		}
	}
	if method != "GET" && method != "POST" && method != "PUT" && method != "DELETE" {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	var body io.Reader
	if bodyStr, ok := input["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{})
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}
