package diagnosis

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidOutput is returned when a model reply does not satisfy the
// schema of the step that asked for it. Agents recover from it with their
// fallback; it never fails a run.
var ErrInvalidOutput = errors.New("invalid structured output")

var validate = validator.New(validator.WithRequiredStructEnabled())

// parseOutput decodes a model reply into T and validates every struct
// reachable through slices and maps against its `validate` tags.
//
// Repair is limited to what models routinely get wrong: prose or a code
// fence around the JSON, and a single object where a list was asked for.
func parseOutput[T any](reply string) (T, error) {
	var out T
	wantList := reflect.TypeOf(out).Kind() == reflect.Slice

	payload, err := extractJSON(reply, wantList)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := validateValue(reflect.ValueOf(out)); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return out, nil
}

func extractJSON(reply string, wantList bool) (string, error) {
	text := strings.TrimSpace(reply)
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			text = strings.TrimSpace(body[:end])
		}
	}

	if wantList {
		if s, ok := span(text, '[', ']'); ok {
			return s, nil
		}
		if s, ok := span(text, '{', '}'); ok {
			return "[" + s + "]", nil
		}
	} else if s, ok := span(text, '{', '}'); ok {
		return s, nil
	}
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrInvalidOutput)
	}
	return "", fmt.Errorf("%w: no JSON found", ErrInvalidOutput)
}

func span(text string, open, closing byte) (string, bool) {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, closing)
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func validateValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return validateValue(v.Elem())
	case reflect.Struct:
		return validate.Struct(v.Interface())
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := validateValue(v.Index(i)); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := validateValue(iter.Value()); err != nil {
				return fmt.Errorf("%v: %w", iter.Key(), err)
			}
		}
	}
	return nil
}

// looseString accepts a JSON string or number.
type looseString string

func (l *looseString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = looseString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*l = looseString(n.String())
	return nil
}

// normalizeConfidence maps a model's confidence label onto High, Medium or
// Low.
func normalizeConfidence(label string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "high":
		return ConfidenceHigh, true
	case "medium", "moderate":
		return ConfidenceMedium, true
	case "low":
		return ConfidenceLow, true
	}
	return "", false
}

// Schemas of the model replies, one per agent.

type orchestratorReply struct {
	Analysis                   string   `json:"analysis" validate:"required"`
	MissingClinicalInformation []string `json:"missing_clinical_information"`
	DifferentialFocus          []string `json:"differential_focus"`
}

type questionReply struct {
	ID              string `json:"id"`
	QuestionText    string `json:"question_text" validate:"required"`
	Type            string `json:"type"`
	RelatedDisease  string `json:"related_disease"`
	SymptomChecking string `json:"symptom_checking"`
	Priority        int    `json:"priority" validate:"gte=0"`
	Required        *bool  `json:"required"`
}

type integrationReply struct {
	UpdatedSymptoms []string `json:"updated_symptoms" validate:"required,min=1,dive,required"`
	AddedSymptoms   []string `json:"added_symptoms"`
	RemovedSymptoms []string `json:"removed_symptoms"`
	Analysis        string   `json:"analysis"`
}

type refinementReply struct {
	Probability       *float64    `json:"probability" validate:"required"`
	Confidence        string      `json:"confidence"`
	RankChange        looseString `json:"rank_change"`
	Explanation       string      `json:"explanation"`
	SymptomMatchScore float64     `json:"symptom_match_score"`
}

type validationReply struct {
	ConfidenceAdjustment float64 `json:"confidence_adjustment" validate:"gte=-0.5,lte=0.5"`
	Reasoning            string  `json:"reasoning"`
	SymptomMatchScore    float64 `json:"symptom_match_score" validate:"gte=0,lte=100"`
	ValidationStatus     string  `json:"validation_status" validate:"required"`
}

type explanationReply struct {
	Summary     string   `json:"summary" validate:"required"`
	KeySymptoms []string `json:"key_symptoms"`
	Reasoning   string   `json:"reasoning"`
}

type evaluationReply struct {
	ConfidenceLevel string `json:"confidence_level" validate:"required"`
	Justification   string `json:"justification"`
	Concerns        string `json:"concerns"`
	Recommendation  string `json:"recommendation"`
}

// UnmarshalJSON accepts a bare string as the summary.
func (e *explanationReply) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = explanationReply{Summary: s}
		return nil
	}
	type plain explanationReply
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = explanationReply(p)
	return nil
}
