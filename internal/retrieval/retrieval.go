// Package retrieval provides the medical-context Retrieval Service used by
// the diagnostic agents: an in-memory keyword index built from the symptom
// datasets, a Weaviate nearText client, an HTTP client, and the medical
// knowledge tools layered on top of any of them.
package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// DefaultK is the result count used when a caller asks for k <= 0.
const DefaultK = 5

// Document is one retrieved passage.
type Document struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Disease returns the disease the document describes, if tagged.
func (d Document) Disease() string {
	return d.Metadata["disease"]
}

// Retriever searches medical knowledge. Implementations perform blocking
// I/O and must honour ctx.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Document, error)
}

// Format renders documents the way they are fed to a model prompt.
func Format(docs []Document) string {
	var b strings.Builder
	for _, doc := range docs {
		source := doc.Metadata["source"]
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&b, "Source: %s\nContent: %s\n---\n", source, doc.Content)
	}
	return b.String()
}

// fieldAfter returns the comma separated values following label ("Symptoms:")
// on the same line of content.
func fieldAfter(content, label string) []string {
	_, rest, ok := strings.Cut(content, label)
	if !ok {
		return nil
	}
	line, _, _ := strings.Cut(rest, "\n")

	var values []string
	for _, v := range strings.Split(line, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
