package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(run_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON workflow_steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id TEXT NOT NULL PRIMARY KEY,
			step INTEGER NOT NULL,
			pending TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON workflow_checkpoints(status, updated_at)`,
	},
	upsertStep: `INSERT INTO workflow_steps (run_id, step, node_id, state) VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, step) DO UPDATE SET node_id = excluded.node_id, state = excluded.state`,
	upsertCheckpoint: `INSERT INTO workflow_checkpoints (run_id, step, pending, status, last_error, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET step = excluded.step, pending = excluded.pending,
			status = excluded.status, last_error = excluded.last_error,
			state = excluded.state, updated_at = excluded.updated_at`,
}

// SQLiteStore is a SQLite implementation of Store[S].
//
// It stores runs in a single-file database with zero setup, which makes it
// the default durable store for a single service instance. WAL mode lets
// status reads proceed while a session is being written.
//
// Schema:
//   - workflow_steps: step-by-step execution history
//   - workflow_checkpoints: one resumable checkpoint per run
type SQLiteStore[S any] struct {
	*sqlStore[S]
	path string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./medgraph.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// Example:
//
//	st, err := store.NewSQLiteStore[diagnosis.State]("./medgraph.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single connection also keeps
	// ":memory:" databases alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	inner, err := newSQLStore[S](ctx, db, sqliteDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore[S]{sqlStore: inner, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore[S]) Path() string {
	return s.path
}
