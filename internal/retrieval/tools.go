package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/medgraph/graph/tool"
)

// Medical tool names.
const (
	KnowledgeSearchTool = "medical_knowledge_search"
	SymptomMatcherTool  = "symptom_disease_matcher"
	PrecautionsTool     = "disease_precautions_lookup"
)

// NewMedicalTools returns the medical knowledge tools backed by r.
func NewMedicalTools(r Retriever) []tool.Tool {
	return []tool.Tool{
		&knowledgeSearch{r: r},
		&symptomMatcher{r: r},
		&precautionsLookup{r: r},
	}
}

// NewMedicalRegistry registers the medical knowledge tools backed by r.
func NewMedicalRegistry(r Retriever) (*tool.Registry, error) {
	return tool.NewRegistry(NewMedicalTools(r)...)
}

// knowledgeSearch searches for information about diseases, symptoms and
// treatments.
//
// Input: query (string, required), k (int, default 5).
// Output: documents ([]Document), text (prompt-ready rendering).
type knowledgeSearch struct{ r Retriever }

func (t *knowledgeSearch) Name() string { return KnowledgeSearchTool }

func (t *knowledgeSearch) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	query, _ := input["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query parameter required")
	}
	docs, err := t.r.Search(ctx, query, intParam(input["k"], DefaultK))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"documents": docs,
		"text":      Format(docs),
	}, nil
}

// symptomMatcher scores how well symptoms match a disease against the
// disease's known symptom list.
//
// Input: symptoms ([]string, required), disease (string, required).
// Output: disease, match_score (0-100), matched_symptoms,
// total_known_symptoms, known_symptoms (at most 10).
type symptomMatcher struct{ r Retriever }

func (t *symptomMatcher) Name() string { return SymptomMatcherTool }

func (t *symptomMatcher) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	disease, _ := input["disease"].(string)
	if strings.TrimSpace(disease) == "" {
		return nil, errors.New("disease parameter required")
	}
	symptoms := stringsParam(input["symptoms"])
	if len(symptoms) == 0 {
		return nil, errors.New("symptoms parameter required")
	}

	docs, err := t.r.Search(ctx, fmt.Sprintf("Disease: %s symptoms", disease), 3)
	if err != nil {
		return nil, err
	}

	var known []string
	seen := make(map[string]bool)
	for _, doc := range forDisease(docs, disease) {
		for _, s := range fieldAfter(doc.Content, "Symptoms:") {
			s = NormalizeSymptom(s)
			if !seen[s] {
				seen[s] = true
				known = append(known, s)
			}
		}
	}

	matches := 0
	for _, s := range symptoms {
		s = NormalizeSymptom(s)
		if s == "" {
			continue
		}
		for _, k := range known {
			if strings.Contains(s, k) || strings.Contains(k, s) {
				matches++
				break
			}
		}
	}

	score := 0.0
	if len(known) > 0 {
		score = float64(matches) / float64(len(known)) * 100
		if score > 100 {
			score = 100
		}
	}

	shown := known
	if len(shown) > 10 {
		shown = shown[:10]
	}
	return map[string]interface{}{
		"disease":              disease,
		"match_score":          score,
		"matched_symptoms":     matches,
		"total_known_symptoms": len(known),
		"known_symptoms":       shown,
	}, nil
}

// precautionsLookup returns up to five precautions for a disease.
//
// Input: disease (string, required).
// Output: precautions ([]string).
type precautionsLookup struct{ r Retriever }

func (t *precautionsLookup) Name() string { return PrecautionsTool }

func (t *precautionsLookup) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	disease, _ := input["disease"].(string)
	if strings.TrimSpace(disease) == "" {
		return nil, errors.New("disease parameter required")
	}
	docs, err := t.r.Search(ctx, fmt.Sprintf("Disease: %s precautions", disease), 2)
	if err != nil {
		return nil, err
	}

	precautions := []string{}
	for _, doc := range forDisease(docs, disease) {
		precautions = append(precautions, fieldAfter(doc.Content, "Precautions:")...)
	}
	if len(precautions) > 5 {
		precautions = precautions[:5]
	}
	return map[string]interface{}{"precautions": precautions}, nil
}

// forDisease drops documents tagged with a different disease. Untagged
// documents are kept.
func forDisease(docs []Document, disease string) []Document {
	var out []Document
	for _, d := range docs {
		if tag := d.Disease(); tag == "" || strings.EqualFold(tag, disease) {
			out = append(out, d)
		}
	}
	return out
}

func intParam(v interface{}, def int) int {
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n
		}
	case float64:
		if n > 0 {
			return int(n)
		}
	}
	return def
}

func stringsParam(v interface{}) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if s != "" {
			return []string{s}
		}
	}
	return nil
}
