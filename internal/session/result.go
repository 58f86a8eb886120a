package session

import (
	"github.com/dshills/medgraph/graph"
	"github.com/dshills/medgraph/internal/diagnosis"
)

// Result types.
const (
	TypeQuestion  = "question"
	TypeDiagnosis = "diagnosis"
	TypeError     = "error"
)

// Result statuses.
const (
	StatusAwaitingAnswer = "awaiting_answer"
	StatusCompleted      = "completed"
	StatusError          = "error"
)

// Recommendations attached to the summary of a diagnosis.
const (
	RecommendStrong   = "Strong indication - consider medical consultation"
	RecommendModerate = "Moderate indication - monitor symptoms and consider medical advice"
	RecommendLow      = "Low confidence - continue monitoring or seek medical advice if symptoms persist"
)

// Result is what a session call returns. Type selects which of the optional
// fields are set: Questions and Progress for TypeQuestion, Predictions and
// Summary for TypeDiagnosis, Message for TypeError.
type Result struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`

	Questions []diagnosis.Question `json:"questions,omitempty"`
	Progress  *Progress            `json:"progress,omitempty"`

	Predictions      []PredictionResult    `json:"predictions,omitempty"`
	Summary          *Summary              `json:"summary,omitempty"`
	SymptomsAnalyzed []string              `json:"symptoms_analyzed,omitempty"`
	Evaluation       *diagnosis.Evaluation `json:"evaluation,omitempty"`

	Message string `json:"message,omitempty"`

	ReasoningSteps []diagnosis.ReasoningStep `json:"reasoning_steps"`
	AgentOutputs   map[string]string         `json:"agent_outputs"`
	Transparency   Transparency              `json:"transparency"`

	// Usage covers the model calls made by this call only.
	Usage *Usage `json:"usage,omitempty"`
}

// Progress tracks questioning.
type Progress struct {
	QuestionsAsked int    `json:"questions_asked"`
	MaxQuestions   int    `json:"max_questions"`
	CurrentStep    string `json:"current_step"`
}

// PredictionResult is one disease of a diagnosis with everything the agents
// said about it.
type PredictionResult struct {
	Disease             string                         `json:"disease"`
	Probability         float64                        `json:"probability"`
	Confidence          string                         `json:"confidence"`
	Explanation         string                         `json:"explanation"`
	DetailedExplanation *diagnosis.DetailedExplanation `json:"detailed_explanation,omitempty"`
	Validation          *diagnosis.Validation          `json:"validation,omitempty"`
	OverallConfidence   *diagnosis.ConfidenceScore     `json:"overall_confidence,omitempty"`
	RankChange          string                         `json:"rank_change,omitempty"`
	Description         string                         `json:"description,omitempty"`
	Precautions         []string                       `json:"precautions,omitempty"`
}

// TopPrediction names the most likely disease.
type TopPrediction struct {
	Disease     string  `json:"disease"`
	Probability float64 `json:"probability"`
	Confidence  string  `json:"confidence"`
}

// Summary condenses a diagnosis.
type Summary struct {
	TopPrediction             *TopPrediction `json:"top_prediction,omitempty"`
	TotalConditionsAnalyzed   int            `json:"total_conditions_analyzed"`
	HighConfidencePredictions int            `json:"high_confidence_predictions"`
	Recommendation            string         `json:"recommendation,omitempty"`
	Message                   string         `json:"message,omitempty"`
}

// Transparency describes how the workflow reached its current point.
type Transparency struct {
	WorkflowSteps   int                      `json:"workflow_steps"`
	AgentsInvolved  []string                 `json:"agents_involved"`
	CurrentAnalysis *diagnosis.ReasoningStep `json:"current_analysis,omitempty"`
}

// Usage reports model calls and their cost.
type Usage struct {
	ModelCalls   int     `json:"model_calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Currency     string  `json:"currency"`
}

func usageOf(t *graph.CostTracker) *Usage {
	in, out := t.GetTokenUsage()
	return &Usage{
		ModelCalls:   len(t.GetCallHistory()),
		InputTokens:  in,
		OutputTokens: out,
		Cost:         t.GetTotalCost(),
		Currency:     t.Currency,
	}
}

func base(typ, id, status string, s diagnosis.State) Result {
	steps := s.ReasoningSteps
	if steps == nil {
		steps = []diagnosis.ReasoningStep{}
	}
	outputs := s.AgentOutputs
	if outputs == nil {
		outputs = map[string]string{}
	}
	return Result{
		Type:           typ,
		SessionID:      id,
		Status:         status,
		ReasoningSteps: steps,
		AgentOutputs:   outputs,
		Transparency:   transparency(steps),
	}
}

func questionResult(id string, s diagnosis.State) Result {
	res := base(TypeQuestion, id, StatusAwaitingAnswer, s)
	res.Questions = s.ClarifyingQuestions
	res.Progress = &Progress{
		QuestionsAsked: s.QuestionsAsked,
		MaxQuestions:   s.MaxQuestions,
		CurrentStep:    s.CurrentStep,
	}
	return res
}

func diagnosisResult(id string, s diagnosis.State) Result {
	res := base(TypeDiagnosis, id, StatusCompleted, s)
	res.Predictions = predictionResults(s)
	res.Summary = summarize(res.Predictions)
	res.SymptomsAnalyzed = s.CurrentSymptoms()
	res.Evaluation = s.Evaluation
	res.Progress = &Progress{
		QuestionsAsked: s.QuestionsAsked,
		MaxQuestions:   s.MaxQuestions,
		CurrentStep:    s.CurrentStep,
	}
	return res
}

func errorResult(id string, s diagnosis.State, err error) Result {
	res := base(TypeError, id, StatusError, s)
	res.Message = "diagnostic error: " + err.Error()
	return res
}

// predictionResults lists the final predictions, most likely first, with
// the explanation, validation and evaluator verdict of each.
func predictionResults(s diagnosis.State) []PredictionResult {
	ranked := diagnosis.Rank(s.FinalPredictions())
	out := make([]PredictionResult, 0, len(ranked))
	for _, r := range ranked {
		p := PredictionResult{
			Disease:     r.Disease,
			Probability: r.Probability,
			Confidence:  r.Confidence,
			Explanation: s.Explanations[r.Disease],
			RankChange:  r.RankChange,
			Description: r.Description,
			Precautions: r.Precautions,
		}
		if p.Confidence == "" {
			p.Confidence = diagnosis.LabelForProbability(r.Probability)
		}
		if p.Explanation == "" {
			p.Explanation = r.Explanation
		}
		if p.Explanation == "" {
			p.Explanation = diagnosis.DefaultExplanation(r.Disease, r.Probability)
		}
		if d, ok := s.DetailedExplanations[r.Disease]; ok {
			p.DetailedExplanation = &d
			if len(d.Precautions) > 0 {
				p.Precautions = d.Precautions
			}
		}
		if v, ok := s.ValidationResults[r.Disease]; ok {
			p.Validation = &v
		}
		if c, ok := s.ConfidenceScores[r.Disease]; ok {
			p.OverallConfidence = &c
		}
		out = append(out, p)
	}
	return out
}

func summarize(preds []PredictionResult) *Summary {
	if len(preds) == 0 {
		return &Summary{Message: "No predictions available"}
	}

	high := 0
	for _, p := range preds {
		if p.OverallConfidence != nil && p.OverallConfidence.ConfidenceLevel == diagnosis.ConfidenceHigh {
			high++
		}
	}

	top := preds[0]
	level := "Unknown"
	if top.OverallConfidence != nil && top.OverallConfidence.ConfidenceLevel != "" {
		level = top.OverallConfidence.ConfidenceLevel
	}
	return &Summary{
		TopPrediction: &TopPrediction{
			Disease:     top.Disease,
			Probability: top.Probability,
			Confidence:  level,
		},
		TotalConditionsAnalyzed:   len(preds),
		HighConfidencePredictions: high,
		Recommendation:            Recommend(level, top.Probability),
	}
}

// Recommend picks the summary recommendation for the top prediction.
func Recommend(level string, probability float64) string {
	switch {
	case level == diagnosis.ConfidenceHigh && probability > 0.7:
		return RecommendStrong
	case level == diagnosis.ConfidenceMedium || probability > 0.5:
		return RecommendModerate
	default:
		return RecommendLow
	}
}

func transparency(steps []diagnosis.ReasoningStep) Transparency {
	t := Transparency{WorkflowSteps: len(steps), AgentsInvolved: []string{}}
	seen := make(map[string]bool)
	for _, step := range steps {
		if !seen[step.Agent] {
			seen[step.Agent] = true
			t.AgentsInvolved = append(t.AgentsInvolved, step.Agent)
		}
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		t.CurrentAnalysis = &last
	}
	return t
}
