package graph

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/graph/store"
)

// Engine orchestrates stateful workflow execution with checkpointing support.
//
// The Engine is the core runtime that:
//   - Manages workflow graph topology (nodes and edges)
//   - Executes nodes one at a time, merging deltas via the reducer
//   - Persists each step and a resumable checkpoint via the store
//   - Suspends runs at interrupt points and resumes them later
//   - Emits observability events via the emitter
//
// Type parameter S is the state type shared across the workflow.
//
// Example:
//
//	engine, err := graph.New(reducer, store.NewMemStore[MyState](), emit.NewNullEmitter(),
//	    graph.WithMaxSteps(100))
//	_ = engine.Add("ask", askNode)
//	_ = engine.Add("finish", finishNode)
//	_ = engine.StartAt("ask")
//
//	out, err := engine.Run(ctx, "run-001", MyState{})
//	if out.Status == store.StatusSuspended {
//	    out, err = engine.Resume(ctx, "run-001", func(s MyState) MyState {
//	        s.Answer = "yes"
//	        return s
//	    })
//	}
type Engine[S any] struct {
	mu sync.RWMutex

	reducer   Reducer[S]
	nodes     map[string]Node[S]
	edges     []Edge[S]
	startNode string

	store   store.Store[S]
	emitter emit.Emitter
	opts    Options

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Outcome is the result of a Run or Resume call.
type Outcome[S any] struct {
	RunID string

	// State is the accumulated state when execution stopped.
	State S

	// Status is store.StatusCompleted, store.StatusSuspended or store.StatusFailed.
	Status string

	// Pending is the node a suspended or failed run resumes at.
	Pending string

	// Steps is the number of the last step executed.
	Steps int
}

// Suspended reports whether the run stopped at an interrupt.
func (o Outcome[S]) Suspended() bool {
	return o.Status == store.StatusSuspended
}

// New creates a new Engine.
//
// The reducer and store are required. A nil emitter discards events.
func New[S any](reducer Reducer[S], st store.Store[S], emitter emit.Emitter, opts ...Option) (*Engine[S], error) {
	if reducer == nil {
		return nil, &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if st == nil {
		return nil, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	var o Options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, fmt.Errorf("invalid option: %w", err)
		}
	}

	return &Engine[S]{
		reducer: reducer,
		nodes:   make(map[string]Node[S]),
		store:   st,
		emitter: emitter,
		opts:    o,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- retry jitter only
	}, nil
}

// Add registers a node in the workflow graph.
//
// Returns an error if nodeID is empty, node is nil, or the ID is taken.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty", Code: "INVALID_NODE_ID"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil", Code: "NIL_NODE"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point for workflow execution. The node must exist.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{Message: "start node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	return nil
}

// Connect adds an edge between two registered nodes.
//
// Edges are consulted only when a node returns a zero Route. They are
// evaluated in the order they were added; the first edge whose predicate
// matches (or that has no predicate) wins.
func (e *Engine[S]) Connect(from, to string, when Predicate[S]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[from]; !exists {
		return &EngineError{Message: "source node does not exist: " + from, Code: "NODE_NOT_FOUND"}
	}
	if _, exists := e.nodes[to]; !exists {
		return &EngineError{Message: "target node does not exist: " + to, Code: "NODE_NOT_FOUND"}
	}
	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: when})
	return nil
}

// Run executes a new run from the start node.
//
// Execution stops when a node routes to Stop (StatusCompleted), when a node
// interrupts (StatusSuspended), or on error (StatusFailed). In every case a
// checkpoint is written, so a suspended or failed run can be resumed.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (Outcome[S], error) {
	if runID == "" {
		return Outcome[S]{}, &EngineError{Message: "run ID cannot be empty", Code: "INVALID_RUN_ID"}
	}

	e.mu.RLock()
	start := e.startNode
	e.mu.RUnlock()
	if start == "" {
		return Outcome[S]{RunID: runID, State: initial}, &EngineError{Message: "start node not set", Code: "NO_START_NODE"}
	}

	return e.execute(ctx, runID, start, initial, 0)
}

// Resume continues a suspended or failed run from its checkpoint.
//
// update receives the checkpointed state and returns a delta that is merged
// with the reducer before execution re-enters the pending node. A nil
// update resumes without changes.
//
// Returns ErrRunNotFound for unknown runs and ErrNotResumable for runs that
// already completed.
func (e *Engine[S]) Resume(ctx context.Context, runID string, update func(S) S) (Outcome[S], error) {
	cp, err := e.store.LoadCheckpoint(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome[S]{RunID: runID}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Outcome[S]{RunID: runID}, &EngineError{Message: "failed to load checkpoint: " + err.Error(), Code: "STORE_ERROR", Err: err}
	}

	out := Outcome[S]{RunID: runID, State: cp.State, Status: cp.Status, Pending: cp.Pending, Steps: cp.Step}
	if cp.Pending == "" {
		return out, ErrNotResumable
	}

	e.mu.RLock()
	_, exists := e.nodes[cp.Pending]
	e.mu.RUnlock()
	if !exists {
		return out, &EngineError{Message: "pending node does not exist: " + cp.Pending, Code: "NODE_NOT_FOUND"}
	}

	state := cp.State
	if update != nil {
		view, err := deepCopy(cp.State)
		if err != nil {
			return out, &EngineError{Message: "failed to copy state: " + err.Error(), Code: "STATE_COPY_ERROR", Err: err}
		}
		state = e.reducer(state, update(view))
	}

	e.emitter.Emit(emit.Event{
		RunID:  runID,
		Step:   cp.Step,
		NodeID: cp.Pending,
		Msg:    "resume",
		Meta:   map[string]interface{}{"previous_status": cp.Status},
	})

	return e.execute(ctx, runID, cp.Pending, state, cp.Step)
}

// execute runs nodes starting at current until the run completes, suspends
// or fails. step is the number of the last step already executed.
func (e *Engine[S]) execute(ctx context.Context, runID, current string, state S, step int) (Outcome[S], error) {
	executed := 0

	for {
		if e.opts.MaxSteps > 0 && executed >= e.opts.MaxSteps {
			err := &EngineError{
				Message: fmt.Sprintf("workflow exceeded MaxSteps limit of %d", e.opts.MaxSteps),
				Code:    "MAX_STEPS_EXCEEDED",
				Err:     ErrMaxStepsExceeded,
			}
			return e.fail(runID, current, state, step, err)
		}

		if err := ctx.Err(); err != nil {
			return e.fail(runID, current, state, step, err)
		}

		e.mu.RLock()
		node, exists := e.nodes[current]
		e.mu.RUnlock()
		if !exists {
			err := &EngineError{Message: "node not found: " + current, Code: "NODE_NOT_FOUND"}
			return e.fail(runID, current, state, step, err)
		}

		step++
		executed++
		e.emitter.Emit(emit.Event{RunID: runID, Step: step, NodeID: current, Msg: "node_start"})

		started := time.Now()
		result, err := e.runNode(ctx, runID, step, current, node, state)
		latency := time.Since(started)

		if err != nil {
			e.emitter.Emit(emit.Event{
				RunID:  runID,
				Step:   step,
				NodeID: current,
				Msg:    "node_error",
				Meta:   map[string]interface{}{"error": err.Error(), "latency_ms": latency.Milliseconds()},
			})
			if e.opts.Metrics != nil {
				e.opts.Metrics.RecordStepLatency(current, latency, "error")
			}
			// The failed step does not count; the run resumes at this node.
			return e.fail(runID, current, state, step-1, err)
		}

		// Merge into a copy: if the step cannot be saved, the failed
		// checkpoint must hold the state from before this node ran.
		merged, err := deepCopy(state)
		if err != nil {
			copyErr := &EngineError{Message: "failed to copy state: " + err.Error(), Code: "STATE_COPY_ERROR", Err: err}
			return e.fail(runID, current, state, step-1, copyErr)
		}
		merged = e.reducer(merged, result.Delta)

		if err := e.store.SaveStep(ctx, runID, step, current, merged); err != nil {
			storeErr := &EngineError{Message: "failed to save step: " + err.Error(), Code: "STORE_ERROR", Err: err}
			return e.fail(runID, current, state, step-1, storeErr)
		}
		state = merged

		e.emitter.Emit(emit.Event{
			RunID:  runID,
			Step:   step,
			NodeID: current,
			Msg:    "node_end",
			Meta:   map[string]interface{}{"latency_ms": latency.Milliseconds()},
		})
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordStepLatency(current, latency, "success")
		}

		route := result.Route
		switch {
		case route.Interrupt:
			pending := route.To
			if pending == "" {
				pending = current
			}
			return e.suspend(ctx, runID, current, pending, state, step)

		case route.Terminal:
			return e.complete(ctx, runID, state, step)

		case route.To != "":
			current = route.To

		default:
			next, ok := e.route(current, state)
			if !ok {
				err := &EngineError{Message: "no valid route from node: " + current, Code: "NO_ROUTE"}
				return e.fail(runID, current, state, step, err)
			}
			current = next
		}
	}
}

// runNode executes one node, applying its timeout and retry policy. The node
// always receives a private copy of state.
func (e *Engine[S]) runNode(ctx context.Context, runID string, step int, nodeID string, node Node[S], state S) (NodeResult[S], error) {
	var policy *NodePolicy
	if p, ok := e.opts.NodePolicies[nodeID]; ok {
		policy = &p
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.UpdateInflightNodes(1)
		defer e.opts.Metrics.UpdateInflightNodes(-1)
	}

	for attempt := 0; ; attempt++ {
		input, err := deepCopy(state)
		if err != nil {
			return NodeResult[S]{}, &EngineError{Message: "failed to copy state: " + err.Error(), Code: "STATE_COPY_ERROR", Err: err}
		}

		result, timeoutErr := executeNodeWithTimeout(ctx, node, nodeID, input, policy, e.opts.DefaultNodeTimeout)
		nodeErr := timeoutErr
		if nodeErr == nil {
			nodeErr = result.Err
		}
		if nodeErr == nil {
			return result, nil
		}

		var rp *RetryPolicy
		if policy != nil {
			rp = policy.RetryPolicy
		}
		if ctx.Err() != nil || !rp.shouldRetry(attempt+1, nodeErr) {
			return result, nodeErr
		}

		delay := e.backoff(attempt, rp)
		e.emitter.Emit(emit.Event{
			RunID:  runID,
			Step:   step,
			NodeID: nodeID,
			Msg:    "node_retry",
			Meta: map[string]interface{}{
				"attempt":  attempt + 1,
				"error":    nodeErr.Error(),
				"delay_ms": delay.Milliseconds(),
			},
		})
		if e.opts.Metrics != nil {
			e.opts.Metrics.IncrementRetries(nodeID, retryReason(nodeErr))
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (e *Engine[S]) backoff(attempt int, rp *RetryPolicy) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(attempt, rp.BaseDelay, rp.MaxDelay, e.rng)
}

func retryReason(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Code != "" {
		return engErr.Code
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) && nodeErr.Code != "" {
		return nodeErr.Code
	}
	return "error"
}

// route evaluates the outgoing edges of from in registration order.
func (e *Engine[S]) route(from string, state S) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != from {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To, true
		}
	}
	return "", false
}

func (e *Engine[S]) suspend(ctx context.Context, runID, nodeID, pending string, state S, step int) (Outcome[S], error) {
	out := Outcome[S]{RunID: runID, State: state, Status: store.StatusSuspended, Pending: pending, Steps: step}
	cp := store.Checkpoint[S]{RunID: runID, State: state, Step: step, Pending: pending, Status: store.StatusSuspended}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		out.Status = store.StatusFailed
		return out, &EngineError{Message: "failed to save checkpoint: " + err.Error(), Code: "STORE_ERROR", Err: err}
	}

	e.emitter.Emit(emit.Event{
		RunID:  runID,
		Step:   step,
		NodeID: nodeID,
		Msg:    "interrupt",
		Meta:   map[string]interface{}{"pending": pending},
	})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordInterrupt(nodeID)
		e.opts.Metrics.RecordRunOutcome(store.StatusSuspended)
	}
	return out, nil
}

func (e *Engine[S]) complete(ctx context.Context, runID string, state S, step int) (Outcome[S], error) {
	out := Outcome[S]{RunID: runID, State: state, Status: store.StatusCompleted, Steps: step}
	cp := store.Checkpoint[S]{RunID: runID, State: state, Step: step, Status: store.StatusCompleted}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		out.Status = store.StatusFailed
		return out, &EngineError{Message: "failed to save checkpoint: " + err.Error(), Code: "STORE_ERROR", Err: err}
	}

	e.emitter.Emit(emit.Event{RunID: runID, Step: step, Msg: "run_complete"})
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordRunOutcome(store.StatusCompleted)
	}
	return out, nil
}

// fail records a failed checkpoint so the run can be retried from pending.
// The checkpoint is written with a fresh context: the caller's context may
// be the reason the run failed.
func (e *Engine[S]) fail(runID, pending string, state S, step int, cause error) (Outcome[S], error) {
	out := Outcome[S]{RunID: runID, State: state, Status: store.StatusFailed, Pending: pending, Steps: step}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cp := store.Checkpoint[S]{
		RunID:   runID,
		State:   state,
		Step:    step,
		Pending: pending,
		Status:  store.StatusFailed,
		Error:   cause.Error(),
	}
	if err := e.store.SaveCheckpoint(saveCtx, cp); err != nil {
		cause = errors.Join(cause, fmt.Errorf("failed to save checkpoint: %w", err))
	}

	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordRunOutcome(store.StatusFailed)
	}
	return out, cause
}
