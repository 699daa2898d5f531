package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/metrics"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// defaultStaleAge is how long a computation may sit in processing before it
// counts as stuck.
const defaultStaleAge = 10 * time.Minute

// AdminHandler exposes operator remediation: listing stuck computations and
// re-publishing their triggers.
type AdminHandler struct {
	computations ComputationStore
	blobs        BlobWriter
	producer     TriggerPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewAdminHandler wires the admin endpoints.
func NewAdminHandler(computations ComputationStore, blobs BlobWriter, producer TriggerPublisher, m *metrics.Metrics) *AdminHandler {
	return &AdminHandler{
		computations: computations,
		blobs:        blobs,
		producer:     producer,
		metrics:      m,
		logger:       slog.Default().With("component", "admin"),
	}
}

// HandleStale handles GET /v1/admin/stale?age=10m: computations stuck in
// processing longer than age.
func (h *AdminHandler) HandleStale(w http.ResponseWriter, r *http.Request) {
	age := defaultStaleAge
	if v := r.URL.Query().Get("age"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid age duration")
			return
		}
		age = parsed
	}

	stale, err := h.computations.ListStaleComputations(r.Context(), time.Now().Add(-age))
	if err != nil {
		h.logger.Error("failed to list stale computations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list stale computations")
		return
	}
	if h.metrics != nil {
		h.metrics.StaleComputations.Set(float64(len(stale)))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stale": stale,
		"count": len(stale),
	})
}

type reconcileRequest struct {
	ContentKey string `json:"content_key"`
	ObjectKey  string `json:"object_key,omitempty"`
}

// HandleReconcile handles POST /v1/admin/reconcile: republishes the
// content-stored trigger for a content key so a stuck computation is
// retried. When the object key is omitted it is probed in the blob store.
func (h *AdminHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContentKey == "" {
		writeError(w, http.StatusBadRequest, "content_key is required")
		return
	}

	objectKey := req.ObjectKey
	if objectKey == "" {
		for _, candidate := range []string{req.ContentKey + ".jpg", req.ContentKey + ".png"} {
			ok, err := h.blobs.Exists(ctx, candidate)
			if err != nil {
				h.logger.Warn("blob probe failed", "object_key", candidate, "error", err)
				continue
			}
			if ok {
				objectKey = candidate
				break
			}
		}
		if objectKey == "" {
			writeError(w, http.StatusNotFound, "no stored blob found for content key")
			return
		}
	}

	ev := scan.ContentStoredEvent{
		ContentKey: req.ContentKey,
		ObjectKey:  objectKey,
		StoredAt:   time.Now().UTC(),
	}
	if err := h.producer.PublishContentStored(ctx, ev); err != nil {
		h.logger.Error("failed to republish trigger", "content_key", req.ContentKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to republish trigger")
		return
	}

	h.logger.Info("trigger republished", "content_key", req.ContentKey, "object_key", objectKey)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"content_key": req.ContentKey,
		"object_key":  objectKey,
		"status":      "retriggered",
	})
}
