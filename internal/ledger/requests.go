package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// CreateRequest inserts a pending request row and returns it. Request ids
// are random 128-bit uuids, collision-free at the scale of the system.
func (l *Ledger) CreateRequest(ctx context.Context, contentKey, desiredLabel string) (*scan.ScanRequest, error) {
	id := uuid.NewString()
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO scan_requests (request_id, content_key, desired_label, status, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
		RETURNING request_id, content_key, desired_label, status, label_matched, created_at, completed_at`,
		id, contentKey, desiredLabel)
	req, err := scanRequest(row)
	if err != nil {
		return nil, fmt.Errorf("inserting scan request: %w", err)
	}
	return req, nil
}

// GetRequest returns the request with the given id, or ErrRequestNotFound.
func (l *Ledger) GetRequest(ctx context.Context, requestID string) (*scan.ScanRequest, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT request_id, content_key, desired_label, status, label_matched, created_at, completed_at
		FROM scan_requests WHERE request_id = $1`,
		requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan request: %w", err)
	}
	return req, nil
}

// CompleteRequest records the match outcome and flips the request to
// completed. Only pending rows are updated: status never regresses, and
// replaying a completion leaves the row unchanged.
func (l *Ledger) CompleteRequest(ctx context.Context, requestID string, matched bool) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE scan_requests
		SET status = 'completed', label_matched = $2, completed_at = NOW()
		WHERE request_id = $1 AND status = 'pending'`,
		requestID, matched)
	if err != nil {
		return fmt.Errorf("completing scan request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing scan request: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Either already completed (fine) or unknown.
	if _, err := l.GetRequest(ctx, requestID); err != nil {
		return err
	}
	return nil
}

// FindPendingByContentKey returns the ids of every pending request that
// references contentKey. Backed by the partial index on pending rows.
func (l *Ledger) FindPendingByContentKey(ctx context.Context, contentKey string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id FROM scan_requests
		WHERE content_key = $1 AND status = 'pending'
		ORDER BY created_at`,
		contentKey)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRequest(row rowScanner) (*scan.ScanRequest, error) {
	var (
		req       scan.ScanRequest
		matched   sql.NullBool
		completed sql.NullTime
	)
	if err := row.Scan(&req.RequestID, &req.ContentKey, &req.DesiredLabel,
		&req.Status, &matched, &req.CreatedAt, &completed); err != nil {
		return nil, err
	}
	if matched.Valid {
		req.LabelMatched = &matched.Bool
	}
	if completed.Valid {
		req.CompletedAt = &completed.Time
	}
	return &req, nil
}
