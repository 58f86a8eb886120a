package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestState is the state type used by the store tests.
type TestState struct {
	Value   string            `json:"value"`
	Counter int               `json:"counter"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// storeFactory builds a fresh store and returns a cleanup function.
type storeFactory func(t *testing.T) (Store[TestState], func())

func factories(t *testing.T) map[string]storeFactory {
	t.Helper()
	f := map[string]storeFactory{
		"memory": func(t *testing.T) (Store[TestState], func()) {
			return NewMemStore[TestState](), func() {}
		},
		"sqlite": func(t *testing.T) (Store[TestState], func()) {
			st, err := NewSQLiteStore[TestState](filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return st, func() { _ = st.Close() }
		},
		"badger": func(t *testing.T) (Store[TestState], func()) {
			st, err := NewBadgerStore[TestState](BadgerConfig{InMemory: true})
			if err != nil {
				t.Fatalf("NewBadgerStore failed: %v", err)
			}
			return st, func() { _ = st.Close() }
		},
	}
	if dsn := os.Getenv("TEST_MYSQL_DSN"); dsn != "" {
		f["mysql"] = func(t *testing.T) (Store[TestState], func()) {
			st, err := NewMySQLStore[TestState](dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore failed: %v", err)
			}
			return st, func() { _ = st.Close() }
		}
	}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		f["postgres"] = func(t *testing.T) (Store[TestState], func()) {
			st, err := NewPostgresStore[TestState](dsn)
			if err != nil {
				t.Fatalf("NewPostgresStore failed: %v", err)
			}
			return st, func() { _ = st.Close() }
		}
	}
	return f
}

// uniqueRun keeps runs apart when a shared database backs the store.
func uniqueRun(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func TestStore_SaveLoadStep(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := factory(t)
			defer cleanup()

			run := uniqueRun(t, "steps")
			if err := st.SaveStep(ctx, run, 1, "node-a", TestState{Value: "first", Counter: 1}); err != nil {
				t.Fatalf("SaveStep failed: %v", err)
			}
			_ = st.SaveStep(ctx, run, 3, "node-c", TestState{Value: "third", Counter: 3})
			_ = st.SaveStep(ctx, run, 2, "node-b", TestState{Value: "second", Counter: 2})

			state, step, err := st.LoadLatest(ctx, run)
			if err != nil {
				t.Fatalf("LoadLatest failed: %v", err)
			}
			if step != 3 {
				t.Errorf("expected step = 3 (highest), got %d", step)
			}
			if state.Value != "third" {
				t.Errorf("expected Value = 'third', got %q", state.Value)
			}

			// Overwriting a step replaces it.
			_ = st.SaveStep(ctx, run, 3, "node-c", TestState{Value: "third-again", Counter: 33})
			state, _, _ = st.LoadLatest(ctx, run)
			if state.Value != "third-again" {
				t.Errorf("expected overwritten step, got %q", state.Value)
			}

			_, _, err = st.LoadLatest(ctx, uniqueRun(t, "missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_CheckpointRoundTrip(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := factory(t)
			defer cleanup()

			run := uniqueRun(t, "cp")
			cp := Checkpoint[TestState]{
				RunID:   run,
				State:   TestState{Value: "waiting", Counter: 4, Tags: map[string]string{"q1": "yes"}},
				Step:    4,
				Pending: "human_input",
				Status:  StatusSuspended,
			}
			if err := st.SaveCheckpoint(ctx, cp); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			got, err := st.LoadCheckpoint(ctx, run)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if got.RunID != run || got.Step != 4 || got.Pending != "human_input" || got.Status != StatusSuspended {
				t.Errorf("unexpected checkpoint header: %+v", got.Info())
			}
			if got.State.Tags["q1"] != "yes" {
				t.Errorf("expected tags to round-trip, got %v", got.State.Tags)
			}
			if got.UpdatedAt.IsZero() {
				t.Error("expected UpdatedAt to be set")
			}

			// Replace with a completed checkpoint.
			cp.Status = StatusCompleted
			cp.Pending = ""
			cp.Step = 9
			if err := st.SaveCheckpoint(ctx, cp); err != nil {
				t.Fatalf("SaveCheckpoint (replace) failed: %v", err)
			}
			got, _ = st.LoadCheckpoint(ctx, run)
			if got.Status != StatusCompleted || got.Pending != "" || got.Step != 9 {
				t.Errorf("expected replaced checkpoint, got %+v", got.Info())
			}

			_, err = st.LoadCheckpoint(ctx, uniqueRun(t, "missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			if err := st.SaveCheckpoint(ctx, Checkpoint[TestState]{}); err == nil {
				t.Error("expected error for empty run ID")
			}
		})
	}
}

func TestStore_ListCheckpoints(t *testing.T) {
	for name, factory := range factories(t) {
		if name == "mysql" || name == "postgres" {
			// Shared databases hold checkpoints from other runs.
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := factory(t)
			defer cleanup()

			base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
			saves := []Checkpoint[TestState]{
				{RunID: "a", Status: StatusSuspended, Pending: "human_input", UpdatedAt: base},
				{RunID: "b", Status: StatusCompleted, UpdatedAt: base.Add(time.Minute)},
				{RunID: "c", Status: StatusSuspended, Pending: "human_input", UpdatedAt: base.Add(2 * time.Minute)},
				{RunID: "d", Status: StatusFailed, Pending: "questioning", Error: "boom", UpdatedAt: base.Add(3 * time.Minute)},
			}
			for _, cp := range saves {
				if err := st.SaveCheckpoint(ctx, cp); err != nil {
					t.Fatalf("SaveCheckpoint(%s) failed: %v", cp.RunID, err)
				}
			}

			all, err := st.ListCheckpoints(ctx, "")
			if err != nil {
				t.Fatalf("ListCheckpoints failed: %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("expected 4 checkpoints, got %d", len(all))
			}
			if all[0].RunID != "d" || all[3].RunID != "a" {
				t.Errorf("expected newest first, got %s..%s", all[0].RunID, all[3].RunID)
			}
			if all[0].Error != "boom" {
				t.Errorf("expected error message in header, got %q", all[0].Error)
			}

			suspended, _ := st.ListCheckpoints(ctx, StatusSuspended)
			if len(suspended) != 2 || suspended[0].RunID != "c" || suspended[1].RunID != "a" {
				t.Errorf("unexpected suspended listing: %+v", suspended)
			}

			none, err := st.ListCheckpoints(ctx, "unknown")
			if err != nil {
				t.Fatalf("ListCheckpoints failed: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("expected empty listing, got %d", len(none))
			}
		})
	}
}

func TestStore_ConcurrentRuns(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, cleanup := factory(t)
			defer cleanup()

			prefix := uniqueRun(t, "concurrent")
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					run := fmt.Sprintf("%s-%d", prefix, i)
					for step := 1; step <= 3; step++ {
						if err := st.SaveStep(ctx, run, step, "n", TestState{Counter: step}); err != nil {
							errs <- err
							return
						}
					}
					if err := st.SaveCheckpoint(ctx, Checkpoint[TestState]{RunID: run, Step: 3, Status: StatusCompleted}); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("concurrent write failed: %v", err)
			}

			for i := 0; i < 10; i++ {
				run := fmt.Sprintf("%s-%d", prefix, i)
				state, step, err := st.LoadLatest(ctx, run)
				if err != nil {
					t.Fatalf("LoadLatest(%s) failed: %v", run, err)
				}
				if step != 3 || state.Counter != 3 {
					t.Errorf("run %s: expected step 3, got step %d counter %d", run, step, state.Counter)
				}
			}
		})
	}
}

func TestMemStore_StateIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore[TestState]()

	tags := map[string]string{"k": "original"}
	_ = st.SaveCheckpoint(ctx, Checkpoint[TestState]{RunID: "r", State: TestState{Tags: tags}, Status: StatusSuspended})
	tags["k"] = "mutated"

	cp, err := st.LoadCheckpoint(ctx, "r")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp.State.Tags["k"] != "original" {
		t.Errorf("store state changed through caller's map: %q", cp.State.Tags["k"])
	}

	cp.State.Tags["k"] = "changed-after-load"
	again, _ := st.LoadCheckpoint(ctx, "r")
	if again.State.Tags["k"] != "original" {
		t.Errorf("store state changed through loaded map: %q", again.State.Tags["k"])
	}
}

func TestMemStore_History(t *testing.T) {
	ctx := context.Background()
	st := NewMemStore[TestState]()

	if _, err := st.History(ctx, "none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_ = st.SaveStep(ctx, "r", 2, "b", TestState{Counter: 2})
	_ = st.SaveStep(ctx, "r", 1, "a", TestState{Counter: 1})
	_ = st.SaveStep(ctx, "r", 3, "c", TestState{Counter: 3})

	history, err := st.History(ctx, "r")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 records, got %d", len(history))
	}
	for i, rec := range history {
		if rec.Step != i+1 {
			t.Errorf("record %d: expected step %d, got %d", i, i+1, rec.Step)
		}
	}
	if history[0].NodeID != "a" || history[2].NodeID != "c" {
		t.Errorf("unexpected node order: %s, %s", history[0].NodeID, history[2].NodeID)
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	st, err := NewSQLiteStore[TestState](path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if st.Path() != path {
		t.Errorf("expected path %q, got %q", path, st.Path())
	}
	_ = st.SaveCheckpoint(ctx, Checkpoint[TestState]{RunID: "r", Step: 2, Pending: "human_input", Status: StatusSuspended, State: TestState{Value: "kept"}})
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	reopened, err := NewSQLiteStore[TestState](path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	cp, err := reopened.LoadCheckpoint(ctx, "r")
	if err != nil {
		t.Fatalf("LoadCheckpoint after reopen failed: %v", err)
	}
	if cp.State.Value != "kept" || cp.Pending != "human_input" {
		t.Errorf("unexpected checkpoint after reopen: %+v", cp)
	}
}

func TestSQLiteStore_ClosedStore(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLiteStore[TestState](":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	_ = st.Close()

	if err := st.SaveStep(ctx, "r", 1, "n", TestState{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from SaveStep, got %v", err)
	}
	if _, err := st.LoadCheckpoint(ctx, "r"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from LoadCheckpoint, got %v", err)
	}
	if err := st.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Ping, got %v", err)
	}
}

func TestBadgerStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "badger")

	st, err := NewBadgerStore[TestState](BadgerConfig{Path: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	for step := 1; step <= 12; step++ {
		_ = st.SaveStep(ctx, "r", step, "n", TestState{Counter: step})
	}
	_ = st.Close()

	reopened, err := NewBadgerStore[TestState](BadgerConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	// Zero-padded keys keep step 12 after step 9.
	state, step, err := reopened.LoadLatest(ctx, "r")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 12 || state.Counter != 12 {
		t.Errorf("expected step 12, got %d (counter %d)", step, state.Counter)
	}
}

func TestBadgerStore_Validation(t *testing.T) {
	if _, err := NewBadgerStore[TestState](BadgerConfig{}); err == nil {
		t.Error("expected error when neither Path nor InMemory is set")
	}

	st, err := NewBadgerStore[TestState](BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadgerStore failed: %v", err)
	}
	defer st.Close()

	if err := st.SaveStep(context.Background(), "a/b", 1, "n", TestState{}); err == nil {
		t.Error("expected error for run ID containing '/'")
	}

	// Prefix scans must not leak steps between runs sharing a prefix.
	ctx := context.Background()
	_ = st.SaveStep(ctx, "run", 1, "n", TestState{Value: "short"})
	_ = st.SaveStep(ctx, "run-long", 5, "n", TestState{Value: "long"})
	state, step, err := st.LoadLatest(ctx, "run")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 1 || state.Value != "short" {
		t.Errorf("expected step 1 of 'run', got %d %q", step, state.Value)
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "INSERT INTO t (a, b) VALUES (?, ?)"
	if got := sqliteDialect.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got := postgresDialect.rebind(q); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}
