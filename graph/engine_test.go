package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/medgraph/graph/emit"
	"github.com/dshills/medgraph/graph/store"
)

type TestState struct {
	Value   string            `json:"value"`
	Counter int               `json:"counter"`
	Tags    map[string]string `json:"tags"`
}

func testReducer(prev, delta TestState) TestState {
	if delta.Value != "" {
		prev.Value = delta.Value
	}
	prev.Counter += delta.Counter
	if len(delta.Tags) > 0 {
		if prev.Tags == nil {
			prev.Tags = make(map[string]string)
		}
		for k, v := range delta.Tags {
			prev.Tags[k] = v
		}
	}
	return prev
}

type fixture struct {
	engine *Engine[TestState]
	store  *store.MemStore[TestState]
	events *emit.BufferedEmitter
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	st := store.NewMemStore[TestState]()
	events := emit.NewBufferedEmitter(0)
	engine, err := New(testReducer, st, events, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return fixture{engine: engine, store: st, events: events}
}

func (f fixture) add(t *testing.T, id string, fn func(context.Context, TestState) NodeResult[TestState]) {
	t.Helper()
	if err := f.engine.Add(id, NodeFunc[TestState](fn)); err != nil {
		t.Fatalf("Add(%s) failed: %v", id, err)
	}
}

func (f fixture) start(t *testing.T, id string) {
	t.Helper()
	if err := f.engine.StartAt(id); err != nil {
		t.Fatalf("StartAt(%s) failed: %v", id, err)
	}
}

func (f fixture) msgs(runID string) []string {
	var out []string
	for _, e := range f.events.GetHistory(runID) {
		out = append(out, e.Msg)
	}
	return out
}

func incr(next Next) func(context.Context, TestState) NodeResult[TestState] {
	return func(context.Context, TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Counter: 1}, Route: next}
	}
}

func engineCode(err error) string {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return ""
}

func TestNew_Validation(t *testing.T) {
	if _, err := New[TestState](nil, store.NewMemStore[TestState](), nil); engineCode(err) != "MISSING_REDUCER" {
		t.Errorf("expected MISSING_REDUCER, got %v", err)
	}
	if _, err := New[TestState](testReducer, nil, nil); engineCode(err) != "MISSING_STORE" {
		t.Errorf("expected MISSING_STORE, got %v", err)
	}
	if _, err := New(testReducer, store.NewMemStore[TestState](), nil, WithMaxSteps(-1)); err == nil {
		t.Error("expected error for negative MaxSteps")
	}
	policy := NodePolicy{RetryPolicy: &RetryPolicy{MaxAttempts: 0}}
	if _, err := New(testReducer, store.NewMemStore[TestState](), nil, WithNodePolicy("a", policy)); !errors.Is(err, ErrInvalidRetryPolicy) {
		t.Errorf("expected ErrInvalidRetryPolicy, got %v", err)
	}
}

func TestEngine_GraphConstruction(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", incr(Stop()))

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"empty id", f.engine.Add("", NodeFunc[TestState](incr(Stop()))), "INVALID_NODE_ID"},
		{"nil node", f.engine.Add("b", nil), "NIL_NODE"},
		{"duplicate", f.engine.Add("a", NodeFunc[TestState](incr(Stop()))), "DUPLICATE_NODE"},
		{"unknown start", f.engine.StartAt("missing"), "NODE_NOT_FOUND"},
		{"unknown edge source", f.engine.Connect("missing", "a", nil), "NODE_NOT_FOUND"},
		{"unknown edge target", f.engine.Connect("a", "missing", nil), "NODE_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engineCode(tt.err); got != tt.code {
				t.Errorf("expected code %s, got %q (%v)", tt.code, got, tt.err)
			}
		})
	}

	if _, err := f.engine.Run(context.Background(), "r", TestState{}); engineCode(err) != "NO_START_NODE" {
		t.Errorf("expected NO_START_NODE, got %v", err)
	}
	f.start(t, "a")
	if _, err := f.engine.Run(context.Background(), "", TestState{}); engineCode(err) != "INVALID_RUN_ID" {
		t.Errorf("expected INVALID_RUN_ID, got %v", err)
	}
}

func TestEngine_RunToCompletion(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", incr(Goto("b")))
	f.add(t, "b", func(_ context.Context, s TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "done", Counter: 1}, Route: Stop()}
	})
	f.start(t, "a")

	ctx := context.Background()
	out, err := f.engine.Run(ctx, "run-1", TestState{Value: "start"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Status != store.StatusCompleted || out.Suspended() {
		t.Errorf("expected completed, got %s", out.Status)
	}
	if out.State.Counter != 2 || out.State.Value != "done" {
		t.Errorf("unexpected state %+v", out.State)
	}
	if out.Steps != 2 || out.Pending != "" {
		t.Errorf("expected 2 steps and no pending node, got %d %q", out.Steps, out.Pending)
	}

	cp, err := f.store.LoadCheckpoint(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.Status != store.StatusCompleted || cp.State.Counter != 2 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	latest, step, err := f.store.LoadLatest(ctx, "run-1")
	if err != nil || step != 2 || latest.Value != "done" {
		t.Errorf("LoadLatest = %+v, %d, %v", latest, step, err)
	}

	want := []string{"node_start", "node_end", "node_start", "node_end", "run_complete"}
	got := f.msgs("run-1")
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if _, err := f.engine.Resume(ctx, "run-1", nil); !errors.Is(err, ErrNotResumable) {
		t.Errorf("expected ErrNotResumable, got %v", err)
	}
}

func TestEngine_EdgeRouting(t *testing.T) {
	f := newFixture(t)
	f.add(t, "check", incr(Next{}))
	f.add(t, "high", func(context.Context, TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "high"}, Route: Stop()}
	})
	f.add(t, "low", func(context.Context, TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "low"}, Route: Stop()}
	})
	f.start(t, "check")

	isHigh := func(s TestState) bool { return s.Counter > 5 }
	if err := f.engine.Connect("check", "high", isHigh); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Connect("check", "low", Not[TestState](isHigh)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	out, err := f.engine.Run(ctx, "hi", TestState{Counter: 10})
	if err != nil || out.State.Value != "high" {
		t.Errorf("expected high route, got %+v, %v", out.State, err)
	}
	out, err = f.engine.Run(ctx, "lo", TestState{Counter: 0})
	if err != nil || out.State.Value != "low" {
		t.Errorf("expected low route, got %+v, %v", out.State, err)
	}
}

func TestEngine_NoRouteFails(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", incr(Next{}))
	f.start(t, "a")

	out, err := f.engine.Run(context.Background(), "r", TestState{})
	if engineCode(err) != "NO_ROUTE" {
		t.Fatalf("expected NO_ROUTE, got %v", err)
	}
	if out.Status != store.StatusFailed {
		t.Errorf("expected failed status, got %s", out.Status)
	}
}

func TestEngine_InterruptAndResume(t *testing.T) {
	f := newFixture(t)
	f.add(t, "ask", incr(Goto("wait")))
	f.add(t, "wait", func(_ context.Context, s TestState) NodeResult[TestState] {
		if s.Value == "" {
			return NodeResult[TestState]{Route: Interrupt()}
		}
		return NodeResult[TestState]{Delta: TestState{Counter: 1}, Route: Stop()}
	})
	f.start(t, "ask")

	ctx := context.Background()
	out, err := f.engine.Run(ctx, "run-hitl", TestState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !out.Suspended() || out.Pending != "wait" || out.Steps != 2 {
		t.Fatalf("expected suspension at wait after 2 steps, got %+v", out)
	}
	infos, err := f.store.ListCheckpoints(ctx, store.StatusSuspended)
	if err != nil || len(infos) != 1 || infos[0].RunID != "run-hitl" {
		t.Errorf("expected one suspended checkpoint, got %v, %v", infos, err)
	}

	out, err = f.engine.Resume(ctx, "run-hitl", func(s TestState) TestState {
		if s.Counter != 1 {
			t.Errorf("update saw counter %d, want 1", s.Counter)
		}
		return TestState{Value: "answered"}
	})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if out.Status != store.StatusCompleted || out.State.Value != "answered" || out.State.Counter != 2 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.Steps != 3 {
		t.Errorf("expected step numbering to continue at 3, got %d", out.Steps)
	}

	msgs := f.msgs("run-hitl")
	found := map[string]bool{}
	for _, m := range msgs {
		found[m] = true
	}
	for _, m := range []string{"interrupt", "resume", "run_complete"} {
		if !found[m] {
			t.Errorf("missing %s event in %v", m, msgs)
		}
	}
}

func TestEngine_InterruptThen(t *testing.T) {
	f := newFixture(t)
	f.add(t, "gate", incr(InterruptThen("after")))
	f.add(t, "after", func(context.Context, TestState) NodeResult[TestState] {
		return NodeResult[TestState]{Delta: TestState{Value: "after"}, Route: Stop()}
	})
	f.start(t, "gate")

	ctx := context.Background()
	out, err := f.engine.Run(ctx, "r", TestState{})
	if err != nil || out.Pending != "after" {
		t.Fatalf("expected pending after, got %+v, %v", out, err)
	}
	out, err = f.engine.Resume(ctx, "r", nil)
	if err != nil || out.State.Value != "after" || out.State.Counter != 1 {
		t.Errorf("unexpected resume outcome %+v, %v", out, err)
	}
}

func TestEngine_ResumeUnknownRun(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", incr(Stop()))
	f.start(t, "a")
	if _, err := f.engine.Resume(context.Background(), "nope", nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestEngine_MaxSteps(t *testing.T) {
	f := newFixture(t, WithMaxSteps(5))
	f.add(t, "loop", incr(Goto("loop")))
	f.start(t, "loop")

	out, err := f.engine.Run(context.Background(), "r", TestState{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("expected ErrMaxStepsExceeded, got %v", err)
	}
	if out.Status != store.StatusFailed || out.State.Counter != 5 {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestEngine_FailureIsResumable(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)

	f := newFixture(t)
	f.add(t, "a", incr(Goto("b")))
	f.add(t, "b", func(context.Context, TestState) NodeResult[TestState] {
		if broken.Load() {
			return NodeResult[TestState]{Err: &NodeError{NodeID: "b", Code: "DOWN", Message: "unavailable"}}
		}
		return NodeResult[TestState]{Delta: TestState{Value: "recovered"}, Route: Stop()}
	})
	f.start(t, "a")

	ctx := context.Background()
	out, err := f.engine.Run(ctx, "r", TestState{})
	var nodeErr *NodeError
	if !errors.As(err, &nodeErr) || nodeErr.Code != "DOWN" {
		t.Fatalf("expected NodeError DOWN, got %v", err)
	}
	if out.Status != store.StatusFailed || out.Pending != "b" || out.Steps != 1 {
		t.Errorf("unexpected outcome %+v", out)
	}
	cp, err := f.store.LoadCheckpoint(ctx, "r")
	if err != nil || cp.Status != store.StatusFailed || cp.Error == "" {
		t.Errorf("expected failed checkpoint with error, got %+v, %v", cp, err)
	}

	broken.Store(false)
	out, err = f.engine.Resume(ctx, "r", nil)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if out.State.Value != "recovered" || out.State.Counter != 1 || out.Steps != 2 {
		t.Errorf("unexpected outcome after resume %+v", out)
	}
}

// flakyStore fails the first SaveStep call.
type flakyStore struct {
	*store.MemStore[TestState]
	failed atomic.Bool
}

func (s *flakyStore) SaveStep(ctx context.Context, runID string, step int, nodeID string, state TestState) error {
	if s.failed.CompareAndSwap(false, true) {
		return errors.New("disk full")
	}
	return s.MemStore.SaveStep(ctx, runID, step, nodeID, state)
}

func TestEngine_StepSaveFailureDoesNotApplyTwice(t *testing.T) {
	st := &flakyStore{MemStore: store.NewMemStore[TestState]()}
	engine, err := New(testReducer, st, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var calls atomic.Int32
	node := func(context.Context, TestState) NodeResult[TestState] {
		calls.Add(1)
		return NodeResult[TestState]{
			Delta: TestState{Counter: 1, Tags: map[string]string{"a": "done"}},
			Route: Stop(),
		}
	}
	if err := engine.Add("a", NodeFunc[TestState](node)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := engine.StartAt("a"); err != nil {
		t.Fatalf("StartAt failed: %v", err)
	}

	ctx := context.Background()
	initial := TestState{Tags: map[string]string{"seed": "x"}}
	out, err := engine.Run(ctx, "r", initial)
	if engineCode(err) != "STORE_ERROR" {
		t.Fatalf("expected STORE_ERROR, got %v", err)
	}
	if out.Status != store.StatusFailed || out.Pending != "a" || out.Steps != 0 {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.State.Counter != 0 || out.State.Tags["a"] != "" {
		t.Errorf("failed step leaked into state: %+v", out.State)
	}
	if _, ok := initial.Tags["a"]; ok {
		t.Error("caller's initial state was mutated")
	}
	cp, err := st.LoadCheckpoint(ctx, "r")
	if err != nil || cp.State.Counter != 0 || cp.Step != 0 {
		t.Errorf("expected pre-step checkpoint, got %+v, %v", cp, err)
	}

	out, err = engine.Resume(ctx, "r", nil)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if out.Status != store.StatusCompleted || out.State.Counter != 1 || out.Steps != 1 {
		t.Errorf("step applied more than once: %+v", out)
	}
	if calls.Load() != 2 {
		t.Errorf("expected node to run twice, ran %d times", calls.Load())
	}
}

func TestEngine_RetryPolicy(t *testing.T) {
	transient := errors.New("transient")
	var calls atomic.Int32

	f := newFixture(t, WithNodePolicy("flaky", NodePolicy{RetryPolicy: &RetryPolicy{
		MaxAttempts: 3,
		Retryable:   func(err error) bool { return errors.Is(err, transient) },
	}}))
	f.add(t, "flaky", func(_ context.Context, s TestState) NodeResult[TestState] {
		if calls.Add(1) < 3 {
			return NodeResult[TestState]{Err: transient}
		}
		return NodeResult[TestState]{Delta: TestState{Counter: 1}, Route: Stop()}
	})
	f.start(t, "flaky")

	out, err := f.engine.Run(context.Background(), "r", TestState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls.Load() != 3 || out.State.Counter != 1 {
		t.Errorf("expected 3 attempts and one merged delta, got %d attempts, %+v", calls.Load(), out.State)
	}
	retries := f.events.GetHistoryWithFilter("r", emit.HistoryFilter{Msg: "node_retry"})
	if len(retries) != 2 {
		t.Errorf("expected 2 retry events, got %d", len(retries))
	}
}

func TestEngine_RetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, WithNodePolicy("flaky", NodePolicy{RetryPolicy: &RetryPolicy{
		MaxAttempts: 2,
		Retryable:   func(error) bool { return true },
	}}))
	f.add(t, "flaky", func(context.Context, TestState) NodeResult[TestState] {
		calls.Add(1)
		return NodeResult[TestState]{Err: errors.New("still down")}
	})
	f.start(t, "flaky")

	if _, err := f.engine.Run(context.Background(), "r", TestState{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestEngine_NodeTimeout(t *testing.T) {
	f := newFixture(t, WithNodePolicy("slow", NodePolicy{Timeout: 20 * time.Millisecond}))
	f.add(t, "slow", func(ctx context.Context, _ TestState) NodeResult[TestState] {
		<-ctx.Done()
		return NodeResult[TestState]{Err: ctx.Err()}
	})
	f.start(t, "slow")

	_, err := f.engine.Run(context.Background(), "r", TestState{})
	if engineCode(err) != "NODE_TIMEOUT" {
		t.Fatalf("expected NODE_TIMEOUT, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected timeout to wrap context.DeadlineExceeded")
	}
}

func TestEngine_DefaultNodeTimeout(t *testing.T) {
	f := newFixture(t, WithDefaultNodeTimeout(20*time.Millisecond))
	f.add(t, "slow", func(ctx context.Context, _ TestState) NodeResult[TestState] {
		<-ctx.Done()
		return NodeResult[TestState]{}
	})
	f.start(t, "slow")

	if _, err := f.engine.Run(context.Background(), "r", TestState{}); engineCode(err) != "NODE_TIMEOUT" {
		t.Errorf("expected NODE_TIMEOUT, got %v", err)
	}
}

func TestEngine_NodesReceiveCopies(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, WithNodePolicy("mutate", NodePolicy{RetryPolicy: &RetryPolicy{
		MaxAttempts: 2,
		Retryable:   func(error) bool { return true },
	}}))
	f.add(t, "mutate", func(_ context.Context, s TestState) NodeResult[TestState] {
		if s.Tags["k"] != "orig" {
			t.Errorf("attempt %d saw mutated state %v", calls.Load()+1, s.Tags)
		}
		s.Tags["k"] = "mutated"
		if calls.Add(1) == 1 {
			return NodeResult[TestState]{Err: errors.New("retry me")}
		}
		return NodeResult[TestState]{Route: Stop()}
	})
	f.start(t, "mutate")

	out, err := f.engine.Run(context.Background(), "r", TestState{Tags: map[string]string{"k": "orig"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State.Tags["k"] != "orig" {
		t.Errorf("in-place mutation leaked into engine state: %v", out.State.Tags)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", incr(Stop()))
	f.start(t, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.engine.Run(ctx, "r", TestState{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Status != store.StatusFailed || out.Pending != "a" {
		t.Errorf("unexpected outcome %+v", out)
	}
	cp, err := f.store.LoadCheckpoint(context.Background(), "r")
	if err != nil || cp.Status != store.StatusFailed {
		t.Errorf("expected failed checkpoint despite cancelled context, got %+v, %v", cp, err)
	}
}
