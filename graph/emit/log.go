package emit

import (
	"context"
	"log/slog"
	"sort"
)

// LogEmitter implements Emitter by writing each event as a structured log
// record.
//
// Errors (node_error) are logged at Error level, retries and interrupts at
// Info, and the high-volume node_start/node_end events at Debug.
//
// Example output with a JSON handler:
//
//	{"level":"DEBUG","msg":"node_end","run_id":"6f1c...","step":3,"node_id":"questioning","latency_ms":812}
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger uses slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit writes the event to the logger.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 6+2*len(event.Meta))
	attrs = append(attrs, "run_id", event.RunID, "step", event.Step)
	if event.NodeID != "" {
		attrs = append(attrs, "node_id", event.NodeID)
	}

	// Sorted for stable output.
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, event.Meta[k])
	}

	l.logger.Log(context.Background(), levelFor(event.Msg), event.Msg, attrs...)
}

func levelFor(msg string) slog.Level {
	switch msg {
	case "node_error":
		return slog.LevelError
	case "node_retry":
		return slog.LevelWarn
	case "interrupt", "resume", "run_complete":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
