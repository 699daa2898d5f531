package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/tendant/image-scan-pipeline/internal/ledger"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// ScanStatus is returned by GET /v1/scans/{id}.
type ScanStatus struct {
	RequestID    string             `json:"request_id"`
	Status       scan.RequestStatus `json:"status"`
	LabelMatched *bool              `json:"label_matched,omitempty"`

	// Computation is included in verbose mode only.
	Computation *scan.Computation `json:"computation,omitempty"`
}

// StatusHandler serves request-status polling.
type StatusHandler struct {
	requests     RequestStore
	computations ComputationStore
	logger       *slog.Logger
}

// NewStatusHandler wires the status endpoint.
func NewStatusHandler(requests RequestStore, computations ComputationStore) *StatusHandler {
	return &StatusHandler{
		requests:     requests,
		computations: computations,
		logger:       slog.Default().With("component", "status"),
	}
}

// HandleStatus handles GET /v1/scans/{id}. With ?verbose=1 the underlying
// computation row is embedded for diagnostics.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := r.PathValue("id")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "request id is required")
		return
	}

	req, err := h.requests.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, ledger.ErrRequestNotFound) {
			writeError(w, http.StatusNotFound, "unknown request id")
			return
		}
		h.logger.Error("failed to load request", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}

	status := ScanStatus{
		RequestID:    req.RequestID,
		Status:       req.Status,
		LabelMatched: req.LabelMatched,
	}

	if r.URL.Query().Get("verbose") == "1" {
		comp, err := h.computations.GetComputation(ctx, req.ContentKey)
		if err != nil {
			h.logger.Warn("failed to load computation for verbose status",
				"content_key", req.ContentKey,
				"error", err,
			)
		} else {
			status.Computation = comp
		}
	}

	writeJSON(w, http.StatusOK, status)
}
