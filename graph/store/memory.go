package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store[S].
//
// States are held in serialized form, so a caller mutating a state after
// saving it (or after loading it) never affects what the store returns.
// Data is lost when the process exits; use SQLiteStore, BadgerStore or a
// server database for sessions that must survive restarts.
type MemStore[S any] struct {
	mu          sync.RWMutex
	steps       map[string]map[int]memStep // runID -> step -> record
	checkpoints map[string]memCheckpoint   // runID -> checkpoint
	now         func() time.Time
}

type memStep struct {
	nodeID string
	state  []byte
}

type memCheckpoint struct {
	info  CheckpointInfo
	state []byte
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore[MyState]()
//	engine, err := graph.New(reducer, st, emitter)
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps:       make(map[string]map[int]memStep),
		checkpoints: make(map[string]memCheckpoint),
		now:         time.Now,
	}
}

// SaveStep persists a workflow execution step.
func (m *MemStore[S]) SaveStep(_ context.Context, runID string, step int, nodeID string, state S) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.steps[runID] == nil {
		m.steps[runID] = make(map[int]memStep)
	}
	m.steps[runID][step] = memStep{nodeID: nodeID, state: data}
	return nil
}

// LoadLatest retrieves the step with the highest step number for a run.
func (m *MemStore[S]) LoadLatest(_ context.Context, runID string) (state S, step int, err error) {
	m.mu.RLock()
	records := m.steps[runID]
	latest := -1
	var rec memStep
	for n, r := range records {
		if n > latest {
			latest, rec = n, r
		}
	}
	m.mu.RUnlock()

	if latest < 0 {
		return state, 0, ErrNotFound
	}
	if err := json.Unmarshal(rec.state, &state); err != nil {
		return state, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, latest, nil
}

// History returns the step records of a run in step order.
func (m *MemStore[S]) History(_ context.Context, runID string) ([]StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records, ok := m.steps[runID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]StepRecord[S], 0, len(records))
	for n, r := range records {
		var s S
		if err := json.Unmarshal(r.state, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		out = append(out, StepRecord[S]{Step: n, NodeID: r.nodeID, State: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

// SaveCheckpoint creates or replaces the checkpoint of a run.
func (m *MemStore[S]) SaveCheckpoint(_ context.Context, cp Checkpoint[S]) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run ID cannot be empty")
	}
	data, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkpoints[cp.RunID] = memCheckpoint{info: cp.Info(), state: data}
	return nil
}

// LoadCheckpoint retrieves the checkpoint of a run.
func (m *MemStore[S]) LoadCheckpoint(_ context.Context, runID string) (Checkpoint[S], error) {
	m.mu.RLock()
	stored, ok := m.checkpoints[runID]
	m.mu.RUnlock()

	var cp Checkpoint[S]
	if !ok {
		return cp, ErrNotFound
	}
	if err := json.Unmarshal(stored.state, &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	cp.RunID = stored.info.RunID
	cp.Step = stored.info.Step
	cp.Pending = stored.info.Pending
	cp.Status = stored.info.Status
	cp.Error = stored.info.Error
	cp.UpdatedAt = stored.info.UpdatedAt
	return cp, nil
}

// ListCheckpoints returns checkpoint headers, most recently updated first.
func (m *MemStore[S]) ListCheckpoints(_ context.Context, status string) ([]CheckpointInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CheckpointInfo, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		if status != "" && cp.info.Status != status {
			continue
		}
		out = append(out, cp.info)
	}
	sortInfos(out)
	return out, nil
}

// sortInfos orders by UpdatedAt descending, then RunID for stability.
func sortInfos(infos []CheckpointInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].RunID < infos[j].RunID
	})
}
