package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/medgraph/graph"
)

const orchestratorTopN = 3

const orchestratorPrompt = `You are a medical diagnostic orchestrator. Review the initial disease
predictions and the patient's symptoms, decide what clinical information is
still missing, and which conditions deserve the closest look.

Reply with a single JSON object:
{
  "analysis": "short assessment of the current evidence",
  "missing_clinical_information": ["information that would separate the candidates"],
  "differential_focus": ["disease names to focus on"]
}`

// Orchestrator analyses the initial predictions, gathers medical context on
// the top-ranked diseases and decides whether clarifying questions are
// needed. If answers are already present it only marks them ready.
func (a *Agents) Orchestrator(ctx context.Context, s State) graph.NodeResult[State] {
	if len(s.UserResponses) > 0 {
		return graph.NodeResult[State]{Delta: State{
			CurrentStep: StepResponsesReady,
			ReasoningSteps: a.reasoning(NodeOrchestrator, "responses_present", map[string]interface{}{
				"responses": len(s.UserResponses),
				"decision":  "answers already supplied; skipping analysis",
			}),
		}}
	}

	ranked := Rank(s.InitialPredictions)
	if len(ranked) > orchestratorTopN {
		ranked = ranked[:orchestratorTopN]
	}

	maxConfidence := 0.0
	for _, p := range s.InitialPredictions {
		if p.Probability > maxConfidence {
			maxConfidence = p.Probability
		}
	}
	threshold := s.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	needs := maxConfidence < threshold

	medical := make(map[string][]string)
	retrievalErrors := make(map[string]string)
	top := make([]string, 0, len(ranked))
	for _, r := range ranked {
		top = append(top, r.Disease)
		docs, err := a.search(ctx, fmt.Sprintf("Disease: %s symptoms", r.Disease), 3)
		if err != nil {
			retrievalErrors[r.Disease] = err.Error()
			continue
		}
		for _, d := range docs {
			medical[r.Disease] = append(medical[r.Disease], d.Content)
		}
	}

	user := fmt.Sprintf("Initial predictions:\n%s\n\nSelected symptoms: %s\n\nMedical context:\n%s",
		toJSON(s.InitialPredictions), strings.Join(s.SelectedSymptoms, ", "), toJSON(medical))

	reply, raw, err := askFor[orchestratorReply](ctx, a, NodeOrchestrator, orchestratorPrompt, user)
	if res, stop := abort(ctx, NodeOrchestrator, err); stop {
		return res
	}

	rationale := fmt.Sprintf("max confidence %.2f is below threshold %.2f; clarifying questions needed", maxConfidence, threshold)
	if !needs {
		rationale = fmt.Sprintf("max confidence %.2f meets threshold %.2f", maxConfidence, threshold)
	}
	payload := map[string]interface{}{
		"top_diseases":         top,
		"max_confidence":       maxConfidence,
		"confidence_threshold": threshold,
		"needs_more_questions": needs,
		"decision":             rationale,
		"medical_context":      medical,
	}
	if len(retrievalErrors) > 0 {
		payload["retrieval_errors"] = retrievalErrors
	}
	if err != nil {
		payload["fallback"] = a.degrade(ctx, s, NodeOrchestrator, err)
		payload["analysis"] = strings.TrimSpace(raw)
	} else {
		payload["analysis"] = reply.Analysis
		payload["missing_clinical_information"] = reply.MissingClinicalInformation
		payload["differential_focus"] = reply.DifferentialFocus
	}

	return graph.NodeResult[State]{Delta: State{
		CurrentStep:        StepOrchestrationComplete,
		NeedsMoreQuestions: boolPtr(needs),
		ReasoningSteps:     a.reasoning(NodeOrchestrator, "analysis", payload),
		AgentOutputs:       map[string]string{NodeOrchestrator: raw},
	}}
}

// orchestratorGuidance returns the missing clinical information recorded by
// the latest orchestrator analysis, if any.
func orchestratorGuidance(s State) []string {
	for i := len(s.ReasoningSteps) - 1; i >= 0; i-- {
		step := s.ReasoningSteps[i]
		if step.Agent != NodeOrchestrator || step.Step != "analysis" {
			continue
		}
		switch v := step.Payload["missing_clinical_information"].(type) {
		case []string:
			return v
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if str, ok := item.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
		return nil
	}
	return nil
}
