// Package emit provides event emission and observability for graph execution.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be non-blocking and safe for concurrent use: the
// service runs many sessions at once and they share one emitter. Emit must
// not panic; backend failures are handled internally.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters. Nil entries are skipped.
//
// Example:
//
//	emitter := emit.NewMultiEmitter(
//	    emit.NewLogEmitter(logger),
//	    emit.NewOTelEmitter(otel.Tracer("medgraph")),
//	)
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards event to every emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
