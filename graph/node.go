package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives state of type S, performs computation, and returns a NodeResult.
//
// Nodes never mutate the state they receive in a way the engine relies on:
// changes travel back as a Delta which the engine merges with the reducer.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult represents the output of a node execution.
//
//   - Delta: Partial state update to be merged via reducer
//   - Route: Next hop for execution flow
//   - Err: Node-level error (if any)
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node.
	Delta S

	// Route specifies the next step in workflow execution.
	// The zero value defers to edge-based routing.
	Route Next

	// Err contains any error that occurred during node execution.
	// Non-nil errors halt the run and mark the checkpoint as failed,
	// unless the node's RetryPolicy accepts the error for another attempt.
	Err error
}

// Next specifies what happens after a node completes.
//
// It supports three routing modes:
//   - Terminal: Stop execution (Terminal = true)
//   - Single: Go to a specific node (To = "nodeID")
//   - Interrupt: Persist state and halt until Resume is called (Interrupt = true).
//     Execution resumes at To when set, otherwise at the interrupting node.
type Next struct {
	// To specifies the next node to execute, or the resume target of an interrupt.
	To string

	// Terminal indicates workflow execution should stop.
	Terminal bool

	// Interrupt suspends the run at a human-in-the-loop point.
	Interrupt bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// Interrupt returns a Next that suspends the run. Resume re-enters the
// interrupting node, which is expected to re-inspect the state it waited on.
func Interrupt() Next {
	return Next{Interrupt: true}
}

// InterruptThen suspends the run and resumes at nodeID.
func InterruptThen(nodeID string) Next {
	return Next{Interrupt: true, To: nodeID}
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	gate := NodeFunc[MyState](func(ctx context.Context, s MyState) NodeResult[MyState] {
//	    if s.Approved == "" {
//	        return NodeResult[MyState]{Route: Interrupt()}
//	    }
//	    return NodeResult[MyState]{Route: Goto("finalize")}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}

// NodeError represents an error that occurred during node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg += ": " + e.Cause.Error()
		}
	}
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + msg
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
