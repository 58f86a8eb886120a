package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_run_id (run_id),
			UNIQUE KEY unique_run_step (run_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			step INT NOT NULL,
			pending VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			last_error TEXT NOT NULL,
			state JSON NOT NULL,
			updated_at BIGINT NOT NULL,
			INDEX idx_status_updated (status, updated_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	},
	upsertStep: `INSERT INTO workflow_steps (run_id, step, node_id, state) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE node_id = VALUES(node_id), state = VALUES(state)`,
	upsertCheckpoint: `INSERT INTO workflow_checkpoints (run_id, step, pending, status, last_error, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE step = VALUES(step), pending = VALUES(pending), status = VALUES(status),
			last_error = VALUES(last_error), state = VALUES(state), updated_at = VALUES(updated_at)`,
}

// MySQLStore is a MySQL/MariaDB implementation of Store[S].
//
// Designed for deployments where several service instances share session
// state. Per-session execution is still serialized by the caller.
type MySQLStore[S any] struct {
	*sqlStore[S]
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// NEVER hardcode credentials; read the DSN from configuration or the
// environment.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	inner, err := newSQLStore[S](ctx, db, mysqlDialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore[S]{sqlStore: inner}, nil
}
