package emit

// Event represents an observability event emitted during workflow execution.
//
// Messages emitted by the engine:
//   - node_start, node_end, node_error, node_retry
//   - interrupt: the run suspended awaiting input
//   - resume: a suspended or failed run continued
//   - run_complete
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the sequential step number in the workflow (1-indexed).
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for run-level events.
	NodeID string

	// Msg names the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "latency_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "attempt": Retry attempt number
	//   - "pending": Node an interrupted run resumes at
	Meta map[string]interface{}
}
