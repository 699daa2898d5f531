// Package scan defines the entity records and wire types shared by the
// intake service and the reconciliation worker.
package scan

import "time"

// RequestStatus is the lifecycle state of a ScanRequest. It transitions at
// most once, from pending to completed.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCompleted RequestStatus = "completed"
)

// ComputationStatus is the lifecycle state of a Computation.
type ComputationStatus string

const (
	ComputationProcessing ComputationStatus = "processing"
	ComputationCompleted  ComputationStatus = "completed"
)

// Label is a single recognition result: a name and a confidence in [0,100].
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// ScanRequest is one client submission: an uploaded image (referenced by its
// content key) and the label the client wants detected in it.
//
// LabelMatched is nil while the request is pending and set exactly once, when
// Status flips to completed.
type ScanRequest struct {
	RequestID    string        `json:"request_id"`
	ContentKey   string        `json:"content_key"`
	DesiredLabel string        `json:"desired_label"`
	Status       RequestStatus `json:"status"`
	LabelMatched *bool         `json:"label_matched,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Computation is the durable memo of one recognition run, keyed by content
// key. It is the dedup unit: many ScanRequests may reference the same row.
type Computation struct {
	ContentKey  string            `json:"content_key"`
	Status      ComputationStatus `json:"status"`
	Labels      []Label           `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Resolved reports whether the computation has an authoritative label set.
func (c *Computation) Resolved() bool {
	return c != nil && c.Status == ComputationCompleted
}

// ContentStoredEvent is the trigger published once an uploaded blob is
// durable. Delivery is at-least-once and unordered; consumers must be
// idempotent.
type ContentStoredEvent struct {
	ContentKey string    `json:"content_key"`
	ObjectKey  string    `json:"object_key"`
	Size       int64     `json:"size"`
	StoredAt   time.Time `json:"stored_at"`
}
