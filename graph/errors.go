package graph

import "errors"

// ErrMaxStepsExceeded indicates that a run reached the configured step limit
// without completing or interrupting.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// ErrRunNotFound is returned by Resume when the store holds no checkpoint
// for the run.
var ErrRunNotFound = errors.New("run not found")

// ErrNotResumable is returned by Resume when the run has no pending node,
// i.e. it already completed.
var ErrNotResumable = errors.New("run is not resumable")

// ErrInvalidRetryPolicy is returned when a RetryPolicy fails validation.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string

	// Err is an optional sentinel or cause, exposed through Unwrap.
	Err error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}
