package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// GetOrCreatePendingComputation returns the computation for contentKey,
// inserting a fresh processing row when none exists. The insert is a single
// conditional statement, not a check-then-act pair: among concurrent callers
// for a never-seen key exactly one observes created=true, and that caller is
// responsible for invoking the recognition capability.
func (l *Ledger) GetOrCreatePendingComputation(ctx context.Context, contentKey string) (*scan.Computation, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO computations (content_key, status, created_at)
		VALUES ($1, 'processing', NOW())
		ON CONFLICT (content_key) DO NOTHING
		RETURNING content_key, status, labels, created_at, completed_at`,
		contentKey)

	comp, err := scanComputation(row)
	if err == nil {
		return comp, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("inserting computation: %w", err)
	}

	// Lost the insert race or the row predates us; return it unchanged.
	comp, err = l.GetComputation(ctx, contentKey)
	if err != nil {
		return nil, false, err
	}
	if comp == nil {
		return nil, false, fmt.Errorf("computation %s vanished after conflicting insert", contentKey)
	}
	return comp, false, nil
}

// CompleteComputation marks the computation as completed with the given
// label set. The update only applies to processing rows, so replaying the
// same completion is a no-op. Completing an already-completed row with a
// different label set returns ErrComputationConflict without writing.
func (l *Ledger) CompleteComputation(ctx context.Context, contentKey string, labels []scan.Label) error {
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE computations
		SET status = 'completed', labels = $2, completed_at = NOW()
		WHERE content_key = $1 AND status = 'processing'`,
		contentKey, encoded)
	if err != nil {
		return fmt.Errorf("completing computation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing computation: %w", err)
	}
	if n > 0 {
		return nil
	}

	existing, err := l.GetComputation(ctx, contentKey)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrComputationNotFound, contentKey)
	}

	stored, err := json.Marshal(existing.Labels)
	if err != nil {
		return fmt.Errorf("encoding stored labels: %w", err)
	}
	if bytes.Equal(stored, encoded) {
		// Retried delivery of the same result.
		return nil
	}
	l.logger.Warn("rejected conflicting completion",
		"content_key", contentKey,
		"stored_labels", len(existing.Labels),
		"incoming_labels", len(labels),
	)
	return fmt.Errorf("%w: %s", ErrComputationConflict, contentKey)
}

// GetComputation returns the computation for contentKey, or nil when absent.
func (l *Ledger) GetComputation(ctx context.Context, contentKey string) (*scan.Computation, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT content_key, status, labels, created_at, completed_at
		FROM computations WHERE content_key = $1`,
		contentKey)
	comp, err := scanComputation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying computation: %w", err)
	}
	return comp, nil
}

// ListStaleComputations returns computations that have been processing since
// before cutoff. These are the "stuck" rows of permanently failed
// recognitions, surfaced for operator remediation.
func (l *Ledger) ListStaleComputations(ctx context.Context, cutoff time.Time) ([]scan.Computation, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT content_key, status, labels, created_at, completed_at
		FROM computations
		WHERE status = 'processing' AND created_at < $1
		ORDER BY created_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale computations: %w", err)
	}
	defer rows.Close()

	var stale []scan.Computation
	for rows.Next() {
		comp, err := scanComputation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale computation: %w", err)
		}
		stale = append(stale, *comp)
	}
	return stale, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComputation(row rowScanner) (*scan.Computation, error) {
	var (
		comp      scan.Computation
		rawLabels []byte
		completed sql.NullTime
	)
	if err := row.Scan(&comp.ContentKey, &comp.Status, &rawLabels, &comp.CreatedAt, &completed); err != nil {
		return nil, err
	}
	if len(rawLabels) > 0 {
		if err := json.Unmarshal(rawLabels, &comp.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels: %w", err)
		}
	}
	if completed.Valid {
		comp.CompletedAt = &completed.Time
	}
	return &comp, nil
}
