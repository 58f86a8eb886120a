package diagnosis

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dshills/medgraph/graph"
)

const questioningPrompt = `You are a medical questioning specialist. Write yes/no clarifying
questions that help confirm or rule out the predicted diseases. Focus on
symptoms that separate the top candidates. Never repeat a question that was
already asked.

Reply with a JSON array only:
[
  {
    "id": "q1",
    "question_text": "Do you have a fever above 38.3°C (101°F)?",
    "type": "yes_no",
    "related_disease": "Influenza",
    "symptom_checking": "high fever",
    "priority": 1,
    "required": true
  }
]`

// Questioning generates the next batch of clarifying questions. It asks
// for min(max_questions - questions_asked, round_cap) questions and drops
// any whose text was asked before. An exhausted budget, an unusable reply
// or a batch of pure duplicates ends questioning for the session.
func (a *Agents) Questioning(ctx context.Context, s State) graph.NodeResult[State] {
	roundCap := s.RoundCap
	if roundCap <= 0 {
		roundCap = DefaultRoundCap
	}
	remaining := s.MaxQuestions - s.QuestionsAsked
	if remaining > roundCap {
		remaining = roundCap
	}
	if remaining <= 0 {
		return a.noQuestions(StepQuestionLimitReached, map[string]interface{}{
			"reason":          "limit reached",
			"questions_asked": s.QuestionsAsked,
			"max_questions":   s.MaxQuestions,
		})
	}

	asked := make([]string, 0, len(s.AskedQuestions))
	for _, q := range s.AskedQuestions {
		asked = append(asked, q.QuestionText)
	}
	guidance := orchestratorGuidance(s)

	var b strings.Builder
	fmt.Fprintf(&b, "Generate exactly %d questions.\n\n", remaining)
	fmt.Fprintf(&b, "Initial predictions:\n%s\n\n", toJSON(s.InitialPredictions))
	fmt.Fprintf(&b, "Current symptoms: %s\n\n", strings.Join(s.CurrentSymptoms(), ", "))
	if len(asked) > 0 {
		fmt.Fprintf(&b, "Questions already asked:\n%s\n\n", toJSON(asked))
	}
	if len(guidance) > 0 {
		fmt.Fprintf(&b, "Missing clinical information to target:\n%s\n", toJSON(guidance))
	}

	replies, raw, err := askFor[[]questionReply](ctx, a, NodeQuestioning, questioningPrompt, b.String())
	if res, stop := abort(ctx, NodeQuestioning, err); stop {
		return res
	}
	if err != nil {
		reason := a.degrade(ctx, s, NodeQuestioning, err)
		res := a.noQuestions(StepNoQuestionsAvailable, map[string]interface{}{
			"reason":   "no questions available",
			"fallback": reason,
			"error":    err.Error(),
		})
		res.Delta.AgentOutputs = map[string]string{NodeQuestioning: raw}
		return res
	}

	seen := make(map[string]bool, len(asked))
	for _, text := range asked {
		seen[text] = true
	}
	usedIDs := make(map[string]bool, len(s.AskedQuestions))
	for _, q := range s.AskedQuestions {
		usedIDs[q.ID] = true
	}
	counter := len(s.AskedQuestions)

	batch := make([]Question, 0, remaining)
	duplicates := 0
	for _, r := range replies {
		if len(batch) == remaining {
			break
		}
		// Duplicates are exact text matches against everything already asked.
		text := r.QuestionText
		if strings.TrimSpace(text) == "" {
			continue
		}
		if seen[text] {
			duplicates++
			continue
		}
		seen[text] = true

		id := strings.TrimSpace(r.ID)
		for id == "" || usedIDs[id] {
			counter++
			id = "q" + strconv.Itoa(counter)
		}
		usedIDs[id] = true

		q := Question{
			ID:              id,
			QuestionText:    text,
			Type:            "yes_no",
			RelatedDisease:  r.RelatedDisease,
			SymptomChecking: r.SymptomChecking,
			Priority:        r.Priority,
			Required:        r.Required == nil || *r.Required,
		}
		if q.RelatedDisease == "" {
			q.RelatedDisease = "General"
		}
		if q.Priority == 0 {
			q.Priority = 1
		}
		batch = append(batch, q)
	}

	payload := map[string]interface{}{
		"requested":           remaining,
		"generated":           len(replies),
		"filtered_duplicates": duplicates,
		"kept":                len(batch),
	}
	if len(guidance) > 0 {
		payload["guidance_used"] = guidance
	}

	if len(batch) == 0 {
		payload["reason"] = "no questions available"
		res := a.noQuestions(StepNoQuestionsAvailable, payload)
		res.Delta.AgentOutputs = map[string]string{NodeQuestioning: raw}
		return res
	}

	texts := make([]string, 0, len(batch))
	for _, q := range batch {
		texts = append(texts, q.QuestionText)
	}
	payload["questions"] = texts
	a.metrics.questionsGenerated(len(batch))

	return graph.NodeResult[State]{Delta: State{
		ClarifyingQuestions: batch,
		AskedQuestions:      batch,
		CurrentStep:         StepQuestionsGenerated,
		ReasoningSteps:      a.reasoning(NodeQuestioning, "questions_generated", payload),
		AgentOutputs:        map[string]string{NodeQuestioning: raw},
	}}
}

// noQuestions ends questioning for the session.
func (a *Agents) noQuestions(step string, payload map[string]interface{}) graph.NodeResult[State] {
	return graph.NodeResult[State]{Delta: State{
		ClarifyingQuestions:  []Question{},
		NeedsMoreQuestions:   boolPtr(false),
		QuestioningExhausted: true,
		CurrentStep:          step,
		ReasoningSteps:       a.reasoning(NodeQuestioning, step, payload),
	}}
}

// ClassifyInput inspects the pending questions and answers:
// StepResponsesReady when both are present, StepAwaitingInput when only
// questions are, StepNoQuestionsNeeded otherwise.
func ClassifyInput(s State) string {
	switch {
	case len(s.ClarifyingQuestions) > 0 && len(s.UserResponses) > 0:
		return StepResponsesReady
	case len(s.ClarifyingQuestions) > 0:
		return StepAwaitingInput
	default:
		return StepNoQuestionsNeeded
	}
}

// HumanInput is the suspension gate. It makes no model calls; it records
// the classification and the router decides whether to wait.
func (a *Agents) HumanInput(_ context.Context, s State) graph.NodeResult[State] {
	step := ClassifyInput(s)
	return graph.NodeResult[State]{Delta: State{
		CurrentStep: step,
		ReasoningSteps: a.reasoning(NodeHumanInput, step, map[string]interface{}{
			"questions": len(s.ClarifyingQuestions),
			"responses": len(s.UserResponses),
		}),
	}}
}
