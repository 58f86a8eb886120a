package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// A node_start opens a span named after the node; the matching node_end or
// node_error closes it, so span durations are node execution times. Every
// other event (interrupt, resume, run_complete, node_retry) becomes an
// event on the open span of its run if there is one, or an instant span
// otherwise.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("medgraph"))
type OTelEmitter struct {
	tracer trace.Tracer

	mu   sync.Mutex
	open map[spanKey]trace.Span
}

type spanKey struct {
	runID string
	step  int
}

// NewOTelEmitter creates an OTelEmitter for tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{
		tracer: tracer,
		open:   make(map[spanKey]trace.Span),
	}
}

// Emit records event as span data.
func (o *OTelEmitter) Emit(event Event) {
	key := spanKey{runID: event.RunID, step: event.Step}

	switch event.Msg {
	case "node_start":
		_, span := o.tracer.Start(context.Background(), "node "+event.NodeID,
			trace.WithTimestamp(time.Now()))
		addStandardAttributes(span, event)
		addMetadataAttributes(span, event.Meta)

		o.mu.Lock()
		o.open[key] = span
		o.mu.Unlock()
		return

	case "node_end", "node_error":
		o.mu.Lock()
		span, ok := o.open[key]
		delete(o.open, key)
		o.mu.Unlock()
		if !ok {
			_, span = o.tracer.Start(context.Background(), event.Msg)
			addStandardAttributes(span, event)
		}
		addMetadataAttributes(span, event.Meta)
		if msg, ok := event.Meta["error"].(string); ok {
			span.SetStatus(codes.Error, msg)
			span.RecordError(errors.New(msg))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		return
	}

	o.mu.Lock()
	span, ok := o.open[key]
	o.mu.Unlock()
	if ok {
		span.AddEvent(event.Msg, trace.WithAttributes(metaAttributes(event.Meta)...))
		return
	}

	_, span = o.tracer.Start(context.Background(), event.Msg)
	addStandardAttributes(span, event)
	addMetadataAttributes(span, event.Meta)
	span.End()
}

// Flush ends spans still open and forces export when the global tracer
// provider supports it. Call it before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	o.mu.Lock()
	for key, span := range o.open {
		span.End()
		delete(o.open, key)
	}
	o.mu.Unlock()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func addStandardAttributes(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("medgraph.run_id", event.RunID),
		attribute.Int("medgraph.step", event.Step),
		attribute.String("medgraph.node_id", event.NodeID),
	)
}

func addMetadataAttributes(span trace.Span, meta map[string]interface{}) {
	if len(meta) == 0 {
		return
	}
	span.SetAttributes(metaAttributes(meta)...)
}

// metaAttributes converts event metadata to attributes under "medgraph.".
func metaAttributes(meta map[string]interface{}) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(meta))
	for key, value := range meta {
		attrKey := "medgraph." + key
		switch v := value.(type) {
		case string:
			attrs = append(attrs, attribute.String(attrKey, v))
		case int:
			attrs = append(attrs, attribute.Int(attrKey, v))
		case int64:
			attrs = append(attrs, attribute.Int64(attrKey, v))
		case float64:
			attrs = append(attrs, attribute.Float64(attrKey, v))
		case bool:
			attrs = append(attrs, attribute.Bool(attrKey, v))
		case time.Duration:
			attrs = append(attrs, attribute.Int64(attrKey, v.Milliseconds()))
		default:
			attrs = append(attrs, attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
	return attrs
}
