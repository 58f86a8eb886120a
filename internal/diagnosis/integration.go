package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/medgraph/graph"
)

const integrationPrompt = `You are a medical response integration specialist. Fold the patient's
answers into their symptom list: add symptoms the answers confirm, remove
symptoms the answers rule out, keep everything else.

Reply with a single JSON object:
{
  "updated_symptoms": ["complete symptom list after the answers"],
  "added_symptoms": ["..."],
  "removed_symptoms": ["..."],
  "analysis": "how the answers changed the picture"
}`

type qaPair struct {
	QuestionID      string `json:"question_id"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	SymptomChecking string `json:"symptom_checking,omitempty"`
	RelatedDisease  string `json:"related_disease,omitempty"`
}

// ResponseIntegration updates the symptom list from the answers to the
// current question batch. When nothing usable comes back the previous
// symptom list is kept.
func (a *Agents) ResponseIntegration(ctx context.Context, s State) graph.NodeResult[State] {
	previous := append([]string(nil), s.CurrentSymptoms()...)

	var pairs []qaPair
	for _, q := range s.ClarifyingQuestions {
		answer, ok := s.UserResponses[q.ID]
		if !ok {
			continue
		}
		pairs = append(pairs, qaPair{
			QuestionID:      q.ID,
			Question:        q.QuestionText,
			Answer:          answer,
			SymptomChecking: q.SymptomChecking,
			RelatedDisease:  q.RelatedDisease,
		})
	}

	if len(pairs) == 0 {
		a.metrics.fallback(NodeResponseIntegration, "no_answers")
		return graph.NodeResult[State]{Delta: State{
			UpdatedSymptoms: previous,
			CurrentStep:     StepResponsesIntegrated,
			ReasoningSteps: a.reasoning(NodeResponseIntegration, "integration", map[string]interface{}{
				"qa_pairs":         []qaPair{},
				"updated_symptoms": previous,
				"fallback":         "no_answers",
			}),
		}}
	}

	user := fmt.Sprintf("Current symptoms: %s\n\nQuestion and answer pairs:\n%s\n\nInitial predictions:\n%s",
		strings.Join(previous, ", "), toJSON(pairs), toJSON(s.InitialPredictions))

	reply, raw, err := askFor[integrationReply](ctx, a, NodeResponseIntegration, integrationPrompt, user)
	if res, stop := abort(ctx, NodeResponseIntegration, err); stop {
		return res
	}

	payload := map[string]interface{}{"qa_pairs": pairs}
	updated := previous
	if err != nil {
		payload["fallback"] = a.degrade(ctx, s, NodeResponseIntegration, err)
		payload["error"] = err.Error()
	} else {
		updated = dedupeSymptoms(reply.UpdatedSymptoms)
		if len(updated) == 0 {
			updated = previous
		}
		payload["added_symptoms"] = reply.AddedSymptoms
		payload["removed_symptoms"] = reply.RemovedSymptoms
		payload["analysis"] = reply.Analysis
	}
	payload["updated_symptoms"] = updated

	return graph.NodeResult[State]{Delta: State{
		UpdatedSymptoms: updated,
		CurrentStep:     StepResponsesIntegrated,
		ReasoningSteps:  a.reasoning(NodeResponseIntegration, "integration", payload),
		AgentOutputs:    map[string]string{NodeResponseIntegration: raw},
	}}
}

// dedupeSymptoms trims entries and drops blanks and case-insensitive
// repeats, keeping first occurrences.
func dedupeSymptoms(symptoms []string) []string {
	seen := make(map[string]bool, len(symptoms))
	out := make([]string, 0, len(symptoms))
	for _, s := range symptoms {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
