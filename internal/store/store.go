// Package store is the single-writer, file-backed SQLite persistence
// layer for agents, stream attempts, usage windows, and billing
// attempts. Every mutating method opens and commits its own
// transaction. ApplyStreamOutcome combines three row changes into a
// single transaction, per the ordering guarantee that an attempt is
// never visible without its consequence; RecordBillingAttempt likewise
// combines the billing-attempt log row with its usage-window update.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"streamagency/internal/agency"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL UNIQUE,
	stream_signature TEXT NOT NULL,
	fee_bps INTEGER NOT NULL,
	status TEXT NOT NULL,
	expected_end_ms INTEGER,
	next_attempt_ms INTEGER,
	retry_step INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	fee_due_claw REAL NOT NULL DEFAULT 0,
	last_success_ms INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	created_ms INTEGER NOT NULL,
	updated_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_status_next ON agents(status, next_attempt_ms);

CREATE TABLE IF NOT EXISTS stream_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	attempted_ms INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	status_code INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	end_stream_ms INTEGER,
	response_body TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_attempts_agent ON stream_attempts(agent_id, attempted_ms DESC);

CREATE TABLE IF NOT EXISTS usage_windows (
	agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	epoch INTEGER NOT NULL,
	windows INTEGER NOT NULL DEFAULT 0,
	billed INTEGER NOT NULL DEFAULT 0,
	billed_at_ms INTEGER,
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (agent_id, epoch)
);
CREATE INDEX IF NOT EXISTS idx_usage_epoch_billed ON usage_windows(epoch, billed);

CREATE TABLE IF NOT EXISTS billing_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id INTEGER NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	epoch INTEGER NOT NULL,
	windows INTEGER NOT NULL,
	attempted_ms INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	return_code INTEGER NOT NULL,
	stdout TEXT NOT NULL DEFAULT '',
	stderr TEXT NOT NULL DEFAULT ''
);
`

// Store wraps a single-connection SQLite pool.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, enables
// WAL journaling, and caps the connection pool at one — SQLite allows
// exactly one writer regardless of journal mode, and capping the Go pool
// at one connection makes database/sql serialize through that instead of
// surfacing SQLITE_BUSY.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable wal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrFromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// ErrTx wraps a transaction-scoped failure with additional context.
func ErrTx(op string, err error) error {
	return fmt.Errorf("store: %s: %w", op, err)
}

// withTx runs fn inside a transaction, rolling back unless fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
