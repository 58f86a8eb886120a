// Package predictor holds the clients of the external ML services: the
// symptom-based disease predictor and the malaria image classifier.
package predictor

import (
	"context"
	"errors"
)

// ErrNoMatch is returned when none of the symptoms are in the predictor's
// vocabulary.
var ErrNoMatch = errors.New("none of the selected symptoms match the known vocabulary")

// Prediction is the predictor's output for one disease.
type Prediction struct {
	Probability float64  `json:"probability"`
	Confidence  string   `json:"confidence,omitempty"`
	Description string   `json:"description,omitempty"`
	Precautions []string `json:"precautions,omitempty"`
}

// Predictor maps symptoms to disease probabilities.
type Predictor interface {
	Predict(ctx context.Context, symptoms []string) (map[string]Prediction, error)
}

// ImageResult is the outcome of classifying a blood smear image.
type ImageResult struct {
	IsInfected bool    `json:"is_infected"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
}

// ImageClassifier detects malaria parasites in an image.
type ImageClassifier interface {
	Classify(ctx context.Context, image []byte) (ImageResult, error)
}

// ConfidenceLabel buckets a predictor probability: High above 0.7, Medium
// above 0.4, Low otherwise.
func ConfidenceLabel(p float64) string {
	switch {
	case p > 0.7:
		return "High"
	case p > 0.4:
		return "Medium"
	default:
		return "Low"
	}
}

// ResultMessage is the user-facing message for an image classification.
func ResultMessage(infected bool) string {
	if infected {
		return "Malaria parasite detected"
	}
	return "No malaria parasite detected"
}
