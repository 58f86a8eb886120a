// Package store persists workflow runs: the per-step history and the single
// resumable checkpoint of each run.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Checkpoint statuses.
const (
	StatusSuspended = "suspended"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store provides persistence for workflow state.
//
// Every run keeps an append-only step history (SaveStep/LoadLatest) and one
// checkpoint that is overwritten as the run progresses. The checkpoint is the
// unit a suspended run is resumed from:
//
//	get(runID)         -> LoadCheckpoint(ctx, runID).State
//	put(runID, state)  -> SaveCheckpoint(ctx, Checkpoint{RunID: runID, State: state, ...})
//	get_pending(runID) -> LoadCheckpoint(ctx, runID).Pending
//
// Implementations must be safe for concurrent use. They do not serialize
// executions of the same run; callers that resume runs concurrently hold
// their own per-run lock.
//
// Type parameter S is the state type to persist (must be JSON-serializable).
type Store[S any] interface {
	// SaveStep persists the state after a node execution step.
	// Saving the same runID and step twice overwrites the earlier record.
	SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error

	// LoadLatest retrieves the most recent step state for a run.
	// Returns ErrNotFound if the run has no steps.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)

	// SaveCheckpoint creates or replaces the checkpoint of cp.RunID.
	SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error

	// LoadCheckpoint retrieves the checkpoint of a run.
	// Returns ErrNotFound if none exists.
	LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error)

	// ListCheckpoints returns checkpoint headers, most recently updated
	// first. An empty status matches every checkpoint.
	ListCheckpoints(ctx context.Context, status string) ([]CheckpointInfo, error)
}

// StepRecord represents a single execution step in the workflow history.
type StepRecord[S any] struct {
	Step   int    `json:"step"`
	NodeID string `json:"node_id"`
	State  S      `json:"state"`
}

// Checkpoint is the resumable snapshot of a run.
type Checkpoint[S any] struct {
	// RunID identifies the run (the diagnostic session id in this service).
	RunID string `json:"run_id"`

	// State is the full state at the checkpoint.
	State S `json:"state"`

	// Step is the last completed step number.
	Step int `json:"step"`

	// Pending is the node execution resumes at. Empty once the run completed.
	Pending string `json:"pending,omitempty"`

	// Status is one of StatusSuspended, StatusCompleted, StatusFailed.
	Status string `json:"status"`

	// Error holds the failure message for StatusFailed checkpoints.
	Error string `json:"error,omitempty"`

	// UpdatedAt is when the checkpoint was written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Info returns the checkpoint header without the state.
func (c Checkpoint[S]) Info() CheckpointInfo {
	return CheckpointInfo{
		RunID:     c.RunID,
		Step:      c.Step,
		Pending:   c.Pending,
		Status:    c.Status,
		Error:     c.Error,
		UpdatedAt: c.UpdatedAt,
	}
}

// CheckpointInfo is a checkpoint header used for listings.
type CheckpointInfo struct {
	RunID     string    `json:"run_id"`
	Step      int       `json:"step"`
	Pending   string    `json:"pending,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
