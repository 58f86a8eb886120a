package graph

import (
	"encoding/json"
	"fmt"
)

// Reducer merges a node's partial update into the accumulated state.
//
// Reducers must be deterministic and must return a value that contains
// every field of prev the delta does not explicitly change.
type Reducer[S any] func(prev, delta S) S

// deepCopy creates a deep copy of state S using a JSON round-trip.
//
// Nodes receive a copy so that a failed or retried attempt cannot leak
// in-place mutations (for example writes into shared maps) into the state
// the engine keeps. Unexported fields are not copied; states persisted by a
// store have to be JSON-serializable anyway.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
