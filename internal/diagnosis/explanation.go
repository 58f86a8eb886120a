package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/internal/retrieval"
)

const explanationPrompt = `You are a medical explanation specialist. Explain each prediction to the
patient in plain language: what the condition is, which of their symptoms
point to it, and how sure the assessment is. Do not give a diagnosis.

Reply with a single JSON object keyed by disease name:
{
  "Disease Name": {
    "summary": "two or three sentences for the patient",
    "key_symptoms": ["symptoms that support it"],
    "reasoning": "how the evidence fits together"
  }
}`

// DefaultExplanation is the sentence used when no explanation was produced
// for a disease.
func DefaultExplanation(disease string, probability float64) string {
	return fmt.Sprintf("Based on symptom analysis, there is a %.1f%% likelihood of %s.", probability*100, disease)
}

// Explanation writes a patient-facing explanation for every prediction.
// Each disease always gets one, falling back to DefaultExplanation.
func (a *Agents) Explanation(ctx context.Context, s State) graph.NodeResult[State] {
	preds := s.FinalPredictions()
	symptoms := s.CurrentSymptoms()

	precautions := make(map[string][]string, len(preds))
	var lookupErrors []string
	for disease, p := range preds {
		out, err := a.callTool(ctx, retrieval.PrecautionsTool, map[string]interface{}{"disease": disease})
		if err != nil {
			lookupErrors = append(lookupErrors, fmt.Sprintf("%s: %v", disease, err))
		}
		if list, ok := out["precautions"].([]string); ok && len(list) > 0 {
			precautions[disease] = list
		} else if len(p.Precautions) > 0 {
			precautions[disease] = p.Precautions
		}
	}

	user := fmt.Sprintf("Predictions:\n%s\n\nPatient symptoms: %s\n\nValidation notes:\n%s\n\nPrecautions:\n%s",
		toJSON(preds), strings.Join(symptoms, ", "), toJSON(s.ValidationResults), toJSON(precautions))

	reply, raw, err := askFor[map[string]explanationReply](ctx, a, NodeExplanation, explanationPrompt, user)
	if res, stop := abort(ctx, NodeExplanation, err); stop {
		return res
	}

	payload := map[string]interface{}{}
	if len(lookupErrors) > 0 {
		payload["lookup_errors"] = lookupErrors
	}
	if err != nil {
		payload["fallback"] = a.degrade(ctx, s, NodeExplanation, err)
		payload["error"] = err.Error()
		reply = nil
	}

	simple := make(map[string]string, len(preds))
	detailed := make(map[string]DetailedExplanation, len(preds))
	var defaulted []string
	for _, r := range Rank(preds) {
		d := DetailedExplanation{Precautions: precautions[r.Disease]}
		if e, ok := reply[r.Disease]; ok && strings.TrimSpace(e.Summary) != "" {
			d.Summary = strings.TrimSpace(e.Summary)
			d.KeySymptoms = e.KeySymptoms
			d.Reasoning = e.Reasoning
		} else {
			d.Summary = DefaultExplanation(r.Disease, r.Probability)
			defaulted = append(defaulted, r.Disease)
		}
		detailed[r.Disease] = d
		simple[r.Disease] = d.Summary
	}
	payload["explained"] = len(preds) - len(defaulted)
	if len(defaulted) > 0 {
		payload["defaulted"] = defaulted
	}

	return graph.NodeResult[State]{Delta: State{
		Explanations:         simple,
		DetailedExplanations: detailed,
		CurrentStep:          StepExplanationsGenerated,
		ReasoningSteps:       a.reasoning(NodeExplanation, "explanation", payload),
		AgentOutputs:         map[string]string{NodeExplanation: raw},
	}}
}
