package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// dialect holds the statements that differ between SQL backends.
// Statements are written with '?' placeholders; rebind converts them for
// drivers that use numbered parameters.
type dialect struct {
	name             string
	schema           []string
	upsertStep       string
	upsertCheckpoint string
	numbered         bool
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store[S] on database/sql. The SQLite, MySQL and
// PostgreSQL stores embed it and only contribute connection setup and a
// dialect.
type sqlStore[S any] struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
	closed  bool
	now     func() time.Time
}

func newSQLStore[S any](ctx context.Context, db *sql.DB, d dialect) (*sqlStore[S], error) {
	s := &sqlStore[S]{db: db, dialect: d, now: time.Now}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", d.name, err)
		}
	}
	return s, nil
}

func (s *sqlStore[S]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveStep persists a workflow execution step, replacing an existing
// record with the same run and step.
func (s *sqlStore[S]) SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertStep),
		runID, step, nodeID, string(stateJSON)); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadLatest retrieves the most recent step for a run.
func (s *sqlStore[S]) LoadLatest(ctx context.Context, runID string) (state S, step int, err error) {
	if err := s.checkOpen(); err != nil {
		return state, 0, err
	}

	query := s.dialect.rebind(`SELECT step, state FROM workflow_steps WHERE run_id = ? ORDER BY step DESC LIMIT 1`)

	var stateJSON []byte
	err = s.db.QueryRowContext(ctx, query, runID).Scan(&step, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return state, 0, ErrNotFound
	}
	if err != nil {
		return state, 0, fmt.Errorf("failed to load latest step: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return state, 0, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, step, nil
}

// SaveCheckpoint creates or replaces the checkpoint of a run.
func (s *sqlStore[S]) SaveCheckpoint(ctx context.Context, cp Checkpoint[S]) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run ID cannot be empty")
	}

	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(s.dialect.upsertCheckpoint),
		cp.RunID, cp.Step, cp.Pending, cp.Status, cp.Error, string(stateJSON), cp.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint retrieves the checkpoint of a run.
func (s *sqlStore[S]) LoadCheckpoint(ctx context.Context, runID string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	if err := s.checkOpen(); err != nil {
		return cp, err
	}

	query := s.dialect.rebind(`SELECT run_id, step, pending, status, last_error, state, updated_at
		FROM workflow_checkpoints WHERE run_id = ?`)

	var (
		stateJSON []byte
		updated   int64
	)
	err := s.db.QueryRowContext(ctx, query, runID).
		Scan(&cp.RunID, &cp.Step, &cp.Pending, &cp.Status, &cp.Error, &stateJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return cp, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	cp.UpdatedAt = time.UnixMilli(updated)
	return cp, nil
}

// ListCheckpoints returns checkpoint headers, most recently updated first.
func (s *sqlStore[S]) ListCheckpoints(ctx context.Context, status string) ([]CheckpointInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT run_id, step, pending, status, last_error, updated_at FROM workflow_checkpoints`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC, run_id ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	infos := []CheckpointInfo{}
	for rows.Next() {
		var (
			info    CheckpointInfo
			updated int64
		)
		if err := rows.Scan(&info.RunID, &info.Step, &info.Pending, &info.Status, &info.Error, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return infos, nil
}

// Close closes the database connection. It is safe to call more than once.
func (s *sqlStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlStore[S]) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
