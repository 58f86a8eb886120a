package diagnosis

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/internal/retrieval"
)

const validationPrompt = `You are a medical validation specialist. For each predicted disease,
check the prediction against the patient's symptoms and the medical context.

Reply with a single JSON object keyed by disease name:
{
  "Disease Name": {
    "confidence_adjustment": 0.1,
    "reasoning": "why the evidence supports or weakens the prediction",
    "symptom_match_score": 75,
    "validation_status": "supported"
  }
}
confidence_adjustment must be between -0.5 and 0.5 and symptom_match_score
between 0 and 100.`

const refinementPrompt = `You are a medical prediction refinement specialist. Update each disease
prediction using the patient's current symptoms, the validation notes and
the medical context.

Reply with a single JSON object keyed by disease name:
{
  "Disease Name": {
    "probability": 0.65,
    "confidence": "High|Medium|Low",
    "rank_change": "+1",
    "explanation": "what moved the estimate",
    "symptom_match_score": 80
  }
}
Probabilities are between 0 and 1.`

// Validation checks each prediction against retrieved medical context. Its
// results are advisory: an unusable reply yields an empty mapping.
func (a *Agents) Validation(ctx context.Context, s State) graph.NodeResult[State] {
	preds := s.FinalPredictions()
	symptoms := s.CurrentSymptoms()

	evidence := make(map[string]map[string]interface{}, len(preds))
	var lookupErrors []string
	for _, r := range Rank(preds) {
		entry := map[string]interface{}{"probability": r.Probability}
		docs, err := a.search(ctx, fmt.Sprintf("Disease: %s symptoms", r.Disease), 2)
		if err != nil {
			lookupErrors = append(lookupErrors, fmt.Sprintf("%s: %v", r.Disease, err))
		} else if len(docs) > 0 {
			entry["context"] = retrieval.Format(docs)
		}
		if score, ok := a.matchScore(ctx, r.Disease, symptoms, &lookupErrors); ok {
			entry["symptom_match_score"] = score
		}
		evidence[r.Disease] = entry
	}

	user := fmt.Sprintf("Patient symptoms: %s\n\nPredictions and evidence:\n%s",
		strings.Join(symptoms, ", "), toJSON(evidence))

	reply, raw, err := askFor[map[string]validationReply](ctx, a, NodeValidation, validationPrompt, user)
	if res, stop := abort(ctx, NodeValidation, err); stop {
		return res
	}

	results := make(map[string]Validation)
	payload := map[string]interface{}{"diseases": len(preds)}
	if len(lookupErrors) > 0 {
		payload["lookup_errors"] = lookupErrors
	}
	if err != nil {
		payload["fallback"] = a.degrade(ctx, s, NodeValidation, err)
		payload["error"] = err.Error()
	} else {
		for disease, v := range reply {
			if _, ok := preds[disease]; !ok {
				continue
			}
			results[disease] = Validation(v)
		}
	}
	payload["validated"] = len(results)

	return graph.NodeResult[State]{Delta: State{
		ValidationResults: results,
		CurrentStep:       StepPredictionsValidated,
		ReasoningSteps:    a.reasoning(NodeValidation, "validation", payload),
		AgentOutputs:      map[string]string{NodeValidation: raw},
	}}
}

// Refinement re-estimates each initial prediction. Diseases the reply
// leaves out, or every disease when the reply is unusable, keep their
// initial prediction.
func (a *Agents) Refinement(ctx context.Context, s State) graph.NodeResult[State] {
	symptoms := s.CurrentSymptoms()

	var lookupErrors []string
	var medical string
	if len(symptoms) > 0 {
		keyed := symptoms
		if len(keyed) > 3 {
			keyed = keyed[:3]
		}
		docs, err := a.search(ctx, "Symptoms: "+strings.Join(keyed, ", "), 3)
		if err != nil {
			lookupErrors = append(lookupErrors, err.Error())
		}
		medical = retrieval.Format(docs)
	}

	matches := make(map[string]float64)
	for disease := range s.InitialPredictions {
		if score, ok := a.matchScore(ctx, disease, symptoms, &lookupErrors); ok {
			matches[disease] = score
		}
	}

	user := fmt.Sprintf("Initial predictions:\n%s\n\nCurrent symptoms: %s\n\nValidation notes:\n%s\n\nSymptom match scores:\n%s\n\nMedical context:\n%s",
		toJSON(s.InitialPredictions), strings.Join(symptoms, ", "), toJSON(s.ValidationResults), toJSON(matches), medical)

	reply, raw, err := askFor[map[string]refinementReply](ctx, a, NodeRefinement, refinementPrompt, user)
	if res, stop := abort(ctx, NodeRefinement, err); stop {
		return res
	}

	payload := map[string]interface{}{"diseases": len(s.InitialPredictions)}
	if len(lookupErrors) > 0 {
		payload["lookup_errors"] = lookupErrors
	}
	if err != nil {
		payload["fallback"] = a.degrade(ctx, s, NodeRefinement, err)
		payload["error"] = err.Error()
		reply = nil
	}

	refined := make(map[string]Prediction, len(s.InitialPredictions))
	changed := 0
	for disease, initial := range s.InitialPredictions {
		r, ok := reply[disease]
		if !ok {
			refined[disease] = initial
			continue
		}
		changed++
		p := initial
		p.Probability = clamp(*r.Probability, 0, 1)
		label, ok := normalizeConfidence(r.Confidence)
		if !ok {
			label = LabelForProbability(p.Probability)
		}
		p.Confidence = label
		p.RankChange = string(r.RankChange)
		p.Explanation = r.Explanation
		p.SymptomMatchScore = clamp(r.SymptomMatchScore, 0, 100)
		if p.SymptomMatchScore == 0 {
			p.SymptomMatchScore = matches[disease]
		}
		p.Source = "refined"
		refined[disease] = p
	}
	payload["refined"] = changed

	return graph.NodeResult[State]{Delta: State{
		RefinedPredictions: refined,
		CurrentStep:        StepPredictionsRefined,
		ReasoningSteps:     a.reasoning(NodeRefinement, "refinement", payload),
		AgentOutputs:       map[string]string{NodeRefinement: raw},
	}}
}

// matchScore runs the symptom matcher tool. Failures are appended to errs.
func (a *Agents) matchScore(ctx context.Context, disease string, symptoms []string, errs *[]string) (float64, bool) {
	if len(symptoms) == 0 {
		return 0, false
	}
	out, err := a.callTool(ctx, retrieval.SymptomMatcherTool, map[string]interface{}{
		"disease":  disease,
		"symptoms": symptoms,
	})
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %v", disease, err))
		return 0, false
	}
	score, ok := out["match_score"].(float64)
	return score, ok
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
