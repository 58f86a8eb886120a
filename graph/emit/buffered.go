package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, grouped by
// run ID.
//
// The service keeps one BufferedEmitter for its lifetime to report the
// workflow steps of each session, so every run holds at most MaxPerRun
// events (the oldest are dropped) and callers Clear runs they no longer
// need.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter(0)
//	engine, _ := graph.New(reducer, st, emitter)
//	_, _ = engine.Run(ctx, "run-001", initial)
//
//	all := emitter.GetHistory("run-001")
//	errs := emitter.GetHistoryWithFilter("run-001", emit.HistoryFilter{Msg: "node_error"})
type BufferedEmitter struct {
	mu        sync.RWMutex
	events    map[string][]Event
	maxPerRun int
}

// DefaultMaxPerRun bounds the events kept for one run.
const DefaultMaxPerRun = 1000

// HistoryFilter specifies criteria for filtering execution history.
// All fields are optional and combined with AND logic.
type HistoryFilter struct {
	NodeID  string // Filter by node ID (empty = no filter)
	Msg     string // Filter by message (empty = no filter)
	MinStep *int   // Minimum step number (nil = no filter)
	MaxStep *int   // Maximum step number (nil = no filter)
}

// NewBufferedEmitter creates a BufferedEmitter keeping up to maxPerRun
// events per run. Zero or negative uses DefaultMaxPerRun.
func NewBufferedEmitter(maxPerRun int) *BufferedEmitter {
	if maxPerRun <= 0 {
		maxPerRun = DefaultMaxPerRun
	}
	return &BufferedEmitter{
		events:    make(map[string][]Event),
		maxPerRun: maxPerRun,
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := append(b.events[event.RunID], event)
	if len(events) > b.maxPerRun {
		events = append([]Event(nil), events[len(events)-b.maxPerRun:]...)
	}
	b.events[event.RunID] = events
}

// GetHistory returns a copy of all events for runID in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of runID matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[runID] {
		if filter.matches(event) {
			result = append(result, event)
		}
	}
	return result
}

func (f HistoryFilter) matches(event Event) bool {
	if f.NodeID != "" && event.NodeID != f.NodeID {
		return false
	}
	if f.Msg != "" && event.Msg != f.Msg {
		return false
	}
	if f.MinStep != nil && event.Step < *f.MinStep {
		return false
	}
	if f.MaxStep != nil && event.Step > *f.MaxStep {
		return false
	}
	return true
}

// Clear removes the events of runID. An empty runID clears everything.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
