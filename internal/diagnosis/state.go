// Package diagnosis implements the multi-agent diagnostic workflow: the
// shared State, the eight agent steps, their routing and the engine wiring.
package diagnosis

import (
	"sort"
	"time"
)

// Defaults applied by NewState.
const (
	DefaultMaxQuestions        = 5
	DefaultRoundCap            = 3
	DefaultConfidenceThreshold = 0.8
)

// Confidence labels.
const (
	ConfidenceHigh   = "High"
	ConfidenceMedium = "Medium"
	ConfidenceLow    = "Low"
)

// Values of State.CurrentStep.
const (
	StepOrchestrationComplete = "orchestration_complete"
	StepResponsesReady        = "responses_ready_for_processing"
	StepQuestionsGenerated    = "questions_generated"
	StepQuestionLimitReached  = "question_limit_reached"
	StepNoQuestionsAvailable  = "no_questions_available"
	StepAwaitingInput         = "awaiting_human_input"
	StepNoQuestionsNeeded     = "no_questions_needed"
	StepResponsesIntegrated   = "responses_integrated"
	StepPredictionsValidated  = "predictions_validated"
	StepPredictionsRefined    = "predictions_refined"
	StepExplanationsGenerated = "explanations_generated"
	StepEvaluationComplete    = "evaluation_complete"
)

// Prediction is one disease's probability together with whatever the agents
// attached to it.
type Prediction struct {
	Probability       float64  `json:"probability" validate:"gte=0,lte=1"`
	Confidence        string   `json:"confidence,omitempty" validate:"omitempty,oneof=High Medium Low"`
	Explanation       string   `json:"explanation,omitempty"`
	RankChange        string   `json:"rank_change,omitempty"`
	SymptomMatchScore float64  `json:"symptom_match_score,omitempty"`
	Source            string   `json:"source,omitempty"`
	Description       string   `json:"description,omitempty"`
	Precautions       []string `json:"precautions,omitempty"`
}

// Question is a yes/no clarifying question put to the patient.
type Question struct {
	ID              string `json:"id"`
	QuestionText    string `json:"question_text"`
	Type            string `json:"type"`
	RelatedDisease  string `json:"related_disease"`
	SymptomChecking string `json:"symptom_checking"`
	Priority        int    `json:"priority"`
	Required        bool   `json:"required"`
}

// Validation is the validation agent's verdict on one disease.
type Validation struct {
	ConfidenceAdjustment float64 `json:"confidence_adjustment"`
	Reasoning            string  `json:"reasoning"`
	SymptomMatchScore    float64 `json:"symptom_match_score"`
	ValidationStatus     string  `json:"validation_status"`
}

// ConfidenceScore is the evaluator's assessment of one disease.
type ConfidenceScore struct {
	ConfidenceLevel string `json:"confidence_level"`
	Justification   string `json:"justification"`
	Concerns        string `json:"concerns,omitempty"`
	Recommendation  string `json:"recommendation,omitempty"`
}

// DetailedExplanation is the patient-facing breakdown for one disease.
type DetailedExplanation struct {
	Summary     string   `json:"summary"`
	KeySymptoms []string `json:"key_symptoms,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`
	Precautions []string `json:"precautions,omitempty"`
}

// ReasoningStep is one entry of the audit trail.
type ReasoningStep struct {
	Agent     string                 `json:"agent"`
	Step      string                 `json:"step"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Evaluation records why the evaluator did or did not ask for another round.
type Evaluation struct {
	NeedsMoreQuestions bool   `json:"needs_more_questions"`
	Reason             string `json:"reason"`
}

// State is threaded through every step of the workflow. Steps return a
// partial State as their delta; Reduce merges it into the accumulated one.
type State struct {
	SessionID          string                 `json:"session_id"`
	SelectedSymptoms   []string               `json:"selected_symptoms"`
	PatientInfo        map[string]interface{} `json:"patient_info,omitempty"`
	InitialPredictions map[string]Prediction  `json:"initial_predictions"`
	UpdatedSymptoms    []string               `json:"updated_symptoms"`

	ClarifyingQuestions []Question        `json:"clarifying_questions"`
	AskedQuestions      []Question        `json:"asked_questions"`
	UserResponses       map[string]string `json:"user_responses"`

	RefinedPredictions   map[string]Prediction          `json:"refined_predictions,omitempty"`
	ValidationResults    map[string]Validation          `json:"validation_results,omitempty"`
	ConfidenceScores     map[string]ConfidenceScore     `json:"confidence_scores,omitempty"`
	Explanations         map[string]string              `json:"explanations,omitempty"`
	DetailedExplanations map[string]DetailedExplanation `json:"detailed_explanations,omitempty"`

	QuestionsAsked      int     `json:"questions_asked"`
	MaxQuestions        int     `json:"max_questions"`
	NeedsMoreQuestions  *bool   `json:"needs_more_questions,omitempty"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	RoundCap            int     `json:"round_cap"`

	// QuestioningExhausted is set once the questioning agent has nothing
	// left to ask. It never resets.
	QuestioningExhausted bool `json:"questioning_exhausted,omitempty"`

	CurrentStep    string            `json:"current_step"`
	ReasoningSteps []ReasoningStep   `json:"reasoning_steps"`
	AgentOutputs   map[string]string `json:"agent_outputs"`
	Evaluation     *Evaluation       `json:"evaluation,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// NewState builds the initial state of a session. maxQuestions below zero
// is treated as zero; UpdatedSymptoms starts as a copy of symptoms.
func NewState(sessionID string, symptoms []string, patient map[string]interface{}, predictions map[string]Prediction, maxQuestions int, now time.Time) State {
	if maxQuestions < 0 {
		maxQuestions = 0
	}
	if predictions == nil {
		predictions = map[string]Prediction{}
	}
	return State{
		SessionID:           sessionID,
		SelectedSymptoms:    append([]string(nil), symptoms...),
		PatientInfo:         patient,
		InitialPredictions:  predictions,
		UpdatedSymptoms:     append([]string(nil), symptoms...),
		MaxQuestions:        maxQuestions,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		RoundCap:            DefaultRoundCap,
		CurrentStep:         "initialized",
		ReasoningSteps:      []ReasoningStep{},
		AgentOutputs:        map[string]string{},
		Timestamp:           now.UTC(),
	}
}

// Reduce merges delta into prev.
//
// Scalars replace when non-zero, pointers and maps when non-nil.
// ReasoningSteps and AskedQuestions append. AgentOutputs merges per key.
// A non-nil ClarifyingQuestions (even empty) starts a new round and clears
// UserResponses unless the delta sets them too.
func Reduce(prev, delta State) State {
	if delta.SessionID != "" {
		prev.SessionID = delta.SessionID
	}
	if delta.SelectedSymptoms != nil {
		prev.SelectedSymptoms = delta.SelectedSymptoms
	}
	if delta.PatientInfo != nil {
		prev.PatientInfo = delta.PatientInfo
	}
	if delta.InitialPredictions != nil {
		prev.InitialPredictions = delta.InitialPredictions
	}
	if delta.UpdatedSymptoms != nil {
		prev.UpdatedSymptoms = delta.UpdatedSymptoms
	}

	if delta.ClarifyingQuestions != nil {
		prev.ClarifyingQuestions = delta.ClarifyingQuestions
		prev.UserResponses = map[string]string{}
	}
	if len(delta.AskedQuestions) > 0 {
		prev.AskedQuestions = append(append([]Question(nil), prev.AskedQuestions...), delta.AskedQuestions...)
	}
	if delta.UserResponses != nil {
		prev.UserResponses = delta.UserResponses
	}

	if delta.RefinedPredictions != nil {
		prev.RefinedPredictions = delta.RefinedPredictions
	}
	if delta.ValidationResults != nil {
		prev.ValidationResults = delta.ValidationResults
	}
	if delta.ConfidenceScores != nil {
		prev.ConfidenceScores = delta.ConfidenceScores
	}
	if delta.Explanations != nil {
		prev.Explanations = delta.Explanations
	}
	if delta.DetailedExplanations != nil {
		prev.DetailedExplanations = delta.DetailedExplanations
	}

	if delta.QuestionsAsked != 0 {
		prev.QuestionsAsked = delta.QuestionsAsked
	}
	if delta.MaxQuestions != 0 {
		prev.MaxQuestions = delta.MaxQuestions
	}
	if delta.NeedsMoreQuestions != nil {
		v := *delta.NeedsMoreQuestions
		prev.NeedsMoreQuestions = &v
	}
	if delta.ConfidenceThreshold != 0 {
		prev.ConfidenceThreshold = delta.ConfidenceThreshold
	}
	if delta.RoundCap != 0 {
		prev.RoundCap = delta.RoundCap
	}
	if delta.QuestioningExhausted {
		prev.QuestioningExhausted = true
	}

	if delta.CurrentStep != "" {
		prev.CurrentStep = delta.CurrentStep
	}
	if len(delta.ReasoningSteps) > 0 {
		prev.ReasoningSteps = append(append([]ReasoningStep(nil), prev.ReasoningSteps...), delta.ReasoningSteps...)
	}
	if len(delta.AgentOutputs) > 0 {
		merged := make(map[string]string, len(prev.AgentOutputs)+len(delta.AgentOutputs))
		for k, v := range prev.AgentOutputs {
			merged[k] = v
		}
		for k, v := range delta.AgentOutputs {
			merged[k] = v
		}
		prev.AgentOutputs = merged
	}
	if delta.Evaluation != nil {
		ev := *delta.Evaluation
		prev.Evaluation = &ev
	}
	if !delta.Timestamp.IsZero() {
		prev.Timestamp = delta.Timestamp
	}
	return prev
}

// CurrentSymptoms returns UpdatedSymptoms, or SelectedSymptoms when no
// update has been made.
func (s State) CurrentSymptoms() []string {
	if len(s.UpdatedSymptoms) > 0 {
		return s.UpdatedSymptoms
	}
	return s.SelectedSymptoms
}

// FinalPredictions returns RefinedPredictions when populated, otherwise
// InitialPredictions.
func (s State) FinalPredictions() map[string]Prediction {
	if len(s.RefinedPredictions) > 0 {
		return s.RefinedPredictions
	}
	return s.InitialPredictions
}

// NeedsMore reports the needs_more_questions flag, treating unset as false.
func (s State) NeedsMore() bool {
	return s.NeedsMoreQuestions != nil && *s.NeedsMoreQuestions
}

// Ranked is a disease with its prediction.
type Ranked struct {
	Disease string
	Prediction
}

// Rank orders predictions by probability, highest first. Ties break on
// disease name so the order is stable.
func Rank(preds map[string]Prediction) []Ranked {
	out := make([]Ranked, 0, len(preds))
	for name, p := range preds {
		out = append(out, Ranked{Disease: name, Prediction: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Disease < out[j].Disease
	})
	return out
}

// LabelForProbability buckets a probability: High above 0.8, Medium above
// 0.5, Low otherwise.
func LabelForProbability(p float64) string {
	switch {
	case p > 0.8:
		return ConfidenceHigh
	case p > 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func boolPtr(b bool) *bool { return &b }
