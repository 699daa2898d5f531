// Package handlers implements the intake and status HTTP surface of the
// scan service.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// RequestStore creates and reads scan request rows.
type RequestStore interface {
	CreateRequest(ctx context.Context, contentKey, desiredLabel string) (*scan.ScanRequest, error)
	GetRequest(ctx context.Context, requestID string) (*scan.ScanRequest, error)
}

// ComputationStore reads computation rows for diagnostics and the inline
// fast path.
type ComputationStore interface {
	GetComputation(ctx context.Context, contentKey string) (*scan.Computation, error)
	ListStaleComputations(ctx context.Context, cutoff time.Time) ([]scan.Computation, error)
}

// InlineCompleter finishes a request whose content key is already resolved.
type InlineCompleter interface {
	CompleteInline(ctx context.Context, req *scan.ScanRequest) (bool, error)
}

// TriggerPublisher publishes content-stored triggers.
type TriggerPublisher interface {
	PublishContentStored(ctx context.Context, ev scan.ContentStoredEvent) error
}

// BlobWriter stores uploaded blobs.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// setCORS mirrors the headers the browser frontend expects on every
// response.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "OPTIONS,POST,GET")
}

// HandlePreflight answers CORS preflight requests.
func HandlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth returns liveness status.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
