package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil it is discarded.
	Logger *slog.Logger
}

// BadgerStore is an embedded key-value implementation of Store[S].
//
// Key layout:
//
//	step/<runID>/<step, zero padded>  -> StepRecord JSON
//	cp/<runID>                        -> checkpoint JSON
type BadgerStore[S any] struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewBadgerStore opens (or creates) a Badger database.
func NewBadgerStore[S any](cfg BadgerConfig) (*BadgerStore[S], error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore[S]{db: db, now: time.Now}, nil
}

func stepPrefix(runID string) []byte {
	return []byte("step/" + runID + "/")
}

func stepKey(runID string, step int) []byte {
	return []byte(fmt.Sprintf("step/%s/%010d", runID, step))
}

func checkpointKey(runID string) []byte {
	return []byte("cp/" + runID)
}

func (b *BadgerStore[S]) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// SaveStep persists a workflow execution step.
func (b *BadgerStore[S]) SaveStep(_ context.Context, runID string, step int, nodeID string, state S) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if strings.Contains(runID, "/") {
		return fmt.Errorf("run ID %q must not contain '/'", runID)
	}

	data, err := json.Marshal(StepRecord[S]{Step: step, NodeID: nodeID, State: state})
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stepKey(runID, step), data)
	})
}

// LoadLatest retrieves the most recent step for a run.
func (b *BadgerStore[S]) LoadLatest(_ context.Context, runID string) (state S, step int, err error) {
	if err := b.checkOpen(); err != nil {
		return state, 0, err
	}

	var rec StepRecord[S]
	found := false
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = stepPrefix(runID)
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek positions at the largest key <= the seek key.
		it.Seek(append(stepPrefix(runID), 0xFF))
		if !it.Valid() {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return state, 0, fmt.Errorf("failed to load latest step: %w", err)
	}
	if !found {
		return state, 0, ErrNotFound
	}
	return rec.State, rec.Step, nil
}

// SaveCheckpoint creates or replaces the checkpoint of a run.
func (b *BadgerStore[S]) SaveCheckpoint(_ context.Context, cp Checkpoint[S]) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint run ID cannot be empty")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = b.now()
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.RunID), data)
	})
}

// LoadCheckpoint retrieves the checkpoint of a run.
func (b *BadgerStore[S]) LoadCheckpoint(_ context.Context, runID string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	if err := b.checkOpen(); err != nil {
		return cp, err
	}

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoint headers, most recently updated first.
func (b *BadgerStore[S]) ListCheckpoints(_ context.Context, status string) ([]CheckpointInfo, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	infos := []CheckpointInfo{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("cp/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			// Only the header is needed; the state is decoded as raw JSON.
			var header Checkpoint[json.RawMessage]
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &header)
			}); err != nil {
				return err
			}
			if status != "" && header.Status != status {
				continue
			}
			infos = append(infos, header.Info())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	sortInfos(infos)
	return infos, nil
}

// Close closes the database. It is safe to call more than once.
func (b *BadgerStore[S]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
