package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/medgraph/graph/tool"
)

// HTTPRetriever queries a remote retrieval service.
//
// Request:  POST {url} {"query": "...", "k": 3}
// Response: {"documents": [{"content": "...", "metadata": {...}}]}
type HTTPRetriever struct {
	url  string
	http tool.Tool
}

// NewHTTPRetriever creates a retriever for url. A nil t uses a default
// tool.HTTPTool.
func NewHTTPRetriever(url string, t tool.Tool) *HTTPRetriever {
	if t == nil {
		t = tool.NewHTTPTool()
	}
	return &HTTPRetriever{url: url, http: t}
}

// Search implements Retriever.
func (h *HTTPRetriever) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if k <= 0 {
		k = DefaultK
	}
	out, err := h.http.Call(ctx, map[string]interface{}{
		"method": "POST",
		"url":    h.url,
		"json":   map[string]interface{}{"query": query, "k": k},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval request: %w", err)
	}
	if code, _ := out["status_code"].(int); code >= 300 {
		return nil, fmt.Errorf("retrieval service returned status %d", code)
	}

	body, _ := out["body"].(string)
	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	if resp.Documents == nil {
		resp.Documents = []Document{}
	}
	if len(resp.Documents) > k {
		resp.Documents = resp.Documents[:k]
	}
	return resp.Documents, nil
}
