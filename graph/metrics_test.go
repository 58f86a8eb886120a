package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/graph/store"
)

func TestPrometheusMetrics_EngineInstrumentation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)

	calls := 0
	engine, err := New(testReducer, store.NewMemStore[TestState](), emit.NewNullEmitter(),
		WithMetrics(metrics),
		WithNodePolicy("flaky", NodePolicy{RetryPolicy: &RetryPolicy{
			MaxAttempts: 2,
			Retryable:   func(error) bool { return true },
		}}))
	if err != nil {
		t.Fatal(err)
	}
	_ = engine.Add("flaky", NodeFunc[TestState](func(context.Context, TestState) NodeResult[TestState] {
		calls++
		if calls == 1 {
			return NodeResult[TestState]{Err: &NodeError{Code: "MODEL_UNAVAILABLE", Message: "down"}}
		}
		return NodeResult[TestState]{Route: Goto("wait")}
	}))
	_ = engine.Add("wait", NodeFunc[TestState](func(_ context.Context, s TestState) NodeResult[TestState] {
		if s.Value == "" {
			return NodeResult[TestState]{Route: Interrupt()}
		}
		return NodeResult[TestState]{Route: Stop()}
	}))
	_ = engine.StartAt("flaky")

	ctx := context.Background()
	if _, err := engine.Run(ctx, "r", TestState{}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.Resume(ctx, "r", func(TestState) TestState { return TestState{Value: "x"} }); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.retries.WithLabelValues("flaky", "MODEL_UNAVAILABLE")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.interrupts.WithLabelValues("wait")); got != 1 {
		t.Errorf("expected 1 interrupt, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(store.StatusSuspended)); got != 1 {
		t.Errorf("expected 1 suspended run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(store.StatusCompleted)); got != 1 {
		t.Errorf("expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.inflightNodes); got != 0 {
		t.Errorf("expected no inflight nodes, got %v", got)
	}
}

func TestPrometheusMetrics_Disable(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	metrics.Disable()
	metrics.RecordRunOutcome(store.StatusFailed)
	metrics.Enable()
	metrics.RecordRunOutcome(store.StatusFailed)
	if got := testutil.ToFloat64(metrics.runs.WithLabelValues(store.StatusFailed)); got != 1 {
		t.Errorf("expected only the enabled observation, got %v", got)
	}
}

func TestRetryReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&EngineError{Code: "NODE_TIMEOUT"}, "NODE_TIMEOUT"},
		{&NodeError{Code: "MODEL_UNAVAILABLE"}, "MODEL_UNAVAILABLE"},
		{errors.New("plain"), "error"},
	}
	for _, tt := range tests {
		if got := retryReason(tt.err); got != tt.want {
			t.Errorf("retryReason(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
