package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// DefaultMaxResponseBytes caps the response body HTTPTool reads.
const DefaultMaxResponseBytes = 4 << 20

// HTTPTool is a tool for making HTTP requests to model servers and
// knowledge services.
//
// Input Parameters:
//   - method: "GET" or "POST" (defaults to "GET")
//   - url: target URL (required)
//   - headers: optional map of HTTP headers
//   - body: optional string request body
//   - json: optional value encoded as a JSON request body
//   - raw: optional []byte request body, sent with content_type
//   - content_type: content type for raw bodies
//
// Output:
//   - status_code: HTTP status code
//   - headers: response headers
//   - body: response body as string
//   - json: decoded body, present when the response is application/json
//
// Example usage:
//
//	t := tool.NewHTTPTool(tool.WithHeader("Authorization", "Bearer "+key))
//	out, err := t.Call(ctx, map[string]interface{}{
//	    "method": "POST",
//	    "url":    "http://predictor:8000/predict",
//	    "json":   map[string]interface{}{"symptoms": symptoms},
//	})
type HTTPTool struct {
	client   *http.Client
	headers  map[string]string
	maxBytes int64
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPTool) { h.client = c }
}

// WithHeader sets a header sent with every request. Per-call headers win.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPTool) { h.headers[key] = value }
}

// WithMaxResponseBytes caps the response body size.
func WithMaxResponseBytes(n int64) HTTPOption {
	return func(h *HTTPTool) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// NewHTTPTool creates a new HTTP tool. Timeouts come from the call context.
func NewHTTPTool(opts ...HTTPOption) *HTTPTool {
	h := &HTTPTool{
		client:   &http.Client{},
		headers:  make(map[string]string),
		maxBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the tool identifier.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Call executes an HTTP request with the provided parameters.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case input["json"] != nil:
		data, err := json.Marshal(input["json"])
		if err != nil {
			return nil, fmt.Errorf("failed to encode json body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case input["raw"] != nil:
		raw, ok := input["raw"].([]byte)
		if !ok {
			return nil, fmt.Errorf("raw parameter must be []byte")
		}
		body = bytes.NewReader(raw)
		contentType, _ = input["content_type"].(string)
	default:
		if s, ok := input["body"].(string); ok && s != "" {
			body = strings.NewReader(s)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
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

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	result := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}

	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil && mediaType == "application/json" && len(respBody) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return result, fmt.Errorf("failed to decode json response: %w", err)
		}
		result["json"] = decoded
	}

	return result, nil
}
