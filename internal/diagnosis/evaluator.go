package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/medgraph/graph"
)

const evaluatorPrompt = `You are a medical evaluation specialist. Judge how well each prediction is
supported by the evidence gathered so far.

Reply with a single JSON object keyed by disease name:
{
  "Disease Name": {
    "confidence_level": "High|Medium|Low",
    "justification": "why this level",
    "concerns": "what is still uncertain",
    "recommendation": "what the patient should do next"
  }
}`

// Evaluator scores the confidence of each prediction and decides whether
// another round of questions is worthwhile: only while no disease is High,
// the question budget is not spent and questioning has not run dry.
func (a *Agents) Evaluator(ctx context.Context, s State) graph.NodeResult[State] {
	preds := s.FinalPredictions()

	user := fmt.Sprintf("Predictions:\n%s\n\nPatient symptoms: %s\n\nValidation notes:\n%s\n\nQuestions asked: %d of %d",
		toJSON(preds), strings.Join(s.CurrentSymptoms(), ", "), toJSON(s.ValidationResults), s.QuestionsAsked, s.MaxQuestions)

	reply, raw, err := askFor[map[string]evaluationReply](ctx, a, NodeEvaluator, evaluatorPrompt, user)
	if res, stop := abort(ctx, NodeEvaluator, err); stop {
		return res
	}

	payload := map[string]interface{}{}
	if err != nil {
		payload["fallback"] = a.degrade(ctx, s, NodeEvaluator, err)
		payload["error"] = err.Error()
		reply = nil
	}

	scores := make(map[string]ConfidenceScore, len(preds))
	var derived []string
	high := ""
	for _, r := range Rank(preds) {
		e, ok := reply[r.Disease]
		label, valid := normalizeConfidence(e.ConfidenceLevel)
		var score ConfidenceScore
		if ok && valid {
			score = ConfidenceScore{
				ConfidenceLevel: label,
				Justification:   e.Justification,
				Concerns:        e.Concerns,
				Recommendation:  e.Recommendation,
			}
		} else {
			score = ConfidenceScore{
				ConfidenceLevel: LabelForProbability(r.Probability),
				Justification:   fmt.Sprintf("derived from probability %.2f", r.Probability),
			}
			derived = append(derived, r.Disease)
		}
		if score.ConfidenceLevel == ConfidenceHigh && high == "" {
			high = r.Disease
		}
		scores[r.Disease] = score
	}

	ev := Evaluation{}
	switch {
	case high != "":
		ev.Reason = "high confidence reached for " + high
	case s.QuestionsAsked >= s.MaxQuestions:
		ev.Reason = "question limit reached"
	case s.QuestioningExhausted:
		ev.Reason = "no further questions available"
	default:
		ev.NeedsMoreQuestions = true
		ev.Reason = "no high-confidence prediction; asking more questions"
	}

	payload["needs_more_questions"] = ev.NeedsMoreQuestions
	payload["reason"] = ev.Reason
	payload["questions_asked"] = s.QuestionsAsked
	payload["max_questions"] = s.MaxQuestions
	if len(derived) > 0 {
		payload["derived_from_probability"] = derived
	}

	return graph.NodeResult[State]{Delta: State{
		ConfidenceScores:   scores,
		NeedsMoreQuestions: boolPtr(ev.NeedsMoreQuestions),
		Evaluation:         &ev,
		CurrentStep:        StepEvaluationComplete,
		ReasoningSteps:     a.reasoning(NodeEvaluator, "evaluation", payload),
		AgentOutputs:       map[string]string{NodeEvaluator: raw},
	}}
}
