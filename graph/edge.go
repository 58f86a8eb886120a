// Package graph provides a small stateful workflow engine: nodes that
// transform a shared state, a reducer that merges their deltas, routing by
// explicit Next values or edge predicates, and interrupt/resume backed by a
// checkpoint store.
package graph

// Edge represents a conditional or unconditional transition between nodes.
//
// Explicit routing returned in NodeResult.Route takes precedence; edges are
// consulted only when a node leaves its Route empty. Edges from the same node
// are evaluated in the order they were connected and the first match wins.
type Edge[S any] struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string

	// When is an optional predicate. A nil predicate always matches.
	When Predicate[S]
}

// Predicate evaluates state to decide whether an edge is traversed.
// Predicates must be pure: routing decisions are replayed on resume.
type Predicate[S any] func(state S) bool

// Not negates a predicate.
func Not[S any](p Predicate[S]) Predicate[S] {
	return func(s S) bool { return !p(s) }
}
