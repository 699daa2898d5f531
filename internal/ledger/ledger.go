// Package ledger persists the two coordination tables of the scan service:
// computations (the recognition memo, keyed by content key) and
// scan_requests (one row per client submission).
//
// These tables are the only synchronization points in the system. All
// mutual exclusion happens through conditional SQL: insert-if-absent on the
// computation key and terminal-state-guarded updates on both tables, so
// every operation is safe under concurrent and redelivered triggers.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

var (
	// ErrRequestNotFound is returned when a request id is unknown.
	ErrRequestNotFound = errors.New("scan request not found")

	// ErrComputationNotFound is returned when completing a computation that
	// was never created.
	ErrComputationNotFound = errors.New("computation not found")

	// ErrComputationConflict is returned when a completed computation is
	// completed again with a different label set. The stored labels stay
	// authoritative; the caller should log and continue.
	ErrComputationConflict = errors.New("computation already completed with different labels")
)

// Ledger provides access to the durable request and computation tables.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the PostgreSQL connection, verifies it, and ensures the schema
// exists.
func New(databaseURL string) (*Ledger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: slog.Default().With("component", "ledger"),
	}
	if err := l.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB wraps an existing database handle. The schema must already
// exist or be created by the caller; used by tests.
func NewWithDB(db *sql.DB) *Ledger {
	return &Ledger{
		db:     db,
		logger: slog.Default().With("component", "ledger"),
	}
}

// EnsureSchema creates the ledger tables and indexes if they do not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	return l.ensureSchema(ctx)
}

func (l *Ledger) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS computations (
			content_key  TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			labels       JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS scan_requests (
			request_id    UUID PRIMARY KEY,
			content_key   TEXT NOT NULL,
			desired_label TEXT NOT NULL,
			status        TEXT NOT NULL,
			label_matched BOOLEAN,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS scan_requests_pending_by_key
			ON scan_requests (content_key) WHERE status = 'pending'`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring ledger schema: %w", err)
		}
	}
	l.logger.Debug("ledger schema ready")
	return nil
}

// Ping reports whether the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
