package predictor

import (
	"context"
	"sort"

	"github.com/dshills/medgraph/internal/retrieval"
)

const (
	maxPredictions = 5
	minProbability = 0.05
)

// KnowledgePredictor scores diseases by severity-weighted symptom overlap
// against a knowledge base. It stands in for the trained classifier when no
// model server is configured.
type KnowledgePredictor struct {
	kb *retrieval.KnowledgeBase
}

// NewKnowledgePredictor creates a predictor over kb.
func NewKnowledgePredictor(kb *retrieval.KnowledgeBase) *KnowledgePredictor {
	return &KnowledgePredictor{kb: kb}
}

// Predict implements Predictor. It returns at most five diseases whose
// normalized probability is at least 0.05.
func (p *KnowledgePredictor) Predict(ctx context.Context, symptoms []string) (map[string]Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vocab := make(map[string]bool)
	for _, s := range p.kb.Vocabulary() {
		vocab[s] = true
	}
	matched := make(map[string]bool)
	for _, s := range symptoms {
		if s = retrieval.NormalizeSymptom(s); vocab[s] {
			matched[s] = true
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoMatch
	}

	type scored struct {
		disease retrieval.Disease
		score   float64
	}
	var scores []scored
	var total float64
	for _, d := range p.kb.Diseases() {
		var hit, all float64
		for _, s := range d.Symptoms {
			w := float64(p.kb.Weight(s))
			all += w
			if matched[s] {
				hit += w
			}
		}
		if hit == 0 || all == 0 {
			continue
		}
		score := hit / all
		scores = append(scores, scored{disease: d, score: score})
		total += score
	}
	if total == 0 {
		return nil, ErrNoMatch
	}

	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	out := make(map[string]Prediction)
	for _, s := range scores {
		if len(out) == maxPredictions {
			break
		}
		prob := s.score / total
		if prob < minProbability {
			continue
		}
		pred := Prediction{
			Probability: prob,
			Confidence:  ConfidenceLabel(prob),
			Description: s.disease.Description,
			Precautions: s.disease.Precautions,
		}
		if pred.Description == "" {
			pred.Description = "No description available"
		}
		if len(pred.Precautions) == 0 {
			pred.Precautions = []string{"No precautions available"}
		}
		out[s.disease.Name] = pred
	}
	return out, nil
}
