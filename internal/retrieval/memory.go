package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryIndex is an in-process keyword index. A document scores one point
// per distinct query term it contains; documents without any match are
// never returned. Ties keep insertion order.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs []indexedDoc
}

type indexedDoc struct {
	doc   Document
	terms map[string]bool
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "for": true,
	"in": true, "on": true, "with": true, "to": true, "is": true, "or": true,
}

func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

// NewMemoryIndex creates an index holding docs.
func NewMemoryIndex(docs ...Document) *MemoryIndex {
	idx := &MemoryIndex{}
	idx.Add(docs...)
	return idx
}

// Add indexes more documents.
func (m *MemoryIndex) Add(docs ...Document) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range docs {
		set := make(map[string]bool)
		for _, t := range terms(d.Content) {
			set[t] = true
		}
		m.docs = append(m.docs, indexedDoc{doc: d, terms: set})
	}
}

// Len returns the number of indexed documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Search implements Retriever.
func (m *MemoryIndex) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = DefaultK
	}

	queryTerms := make(map[string]bool)
	for _, t := range terms(query) {
		queryTerms[t] = true
	}
	if len(queryTerms) == 0 {
		return []Document{}, nil
	}

	type hit struct {
		pos   int
		score int
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []hit
	for i, d := range m.docs {
		score := 0
		for t := range queryTerms {
			if d.terms[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{pos: i, score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]Document, 0, len(hits))
	for _, h := range hits {
		out = append(out, m.docs[h.pos].doc)
	}
	return out, nil
}
