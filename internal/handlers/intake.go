package handlers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/contentkey"
	"github.com/tendant/image-scan-pipeline/internal/metrics"
	"github.com/tendant/image-scan-pipeline/internal/preview"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// maxUploadBytes bounds the decoded image size accepted by intake.
const maxUploadBytes = 10 << 20

// ScanSubmission is the JSON body accepted by POST /v1/scans.
type ScanSubmission struct {
	File         string `json:"file"`     // base64-encoded image bytes
	ContentType  string `json:"fileType"` // must be on the allow-list
	DesiredLabel string `json:"label"`
}

// ScanAccepted is returned once a submission is recorded.
type ScanAccepted struct {
	RequestID    string             `json:"request_id"`
	Status       scan.RequestStatus `json:"status"`
	LabelMatched *bool              `json:"label_matched,omitempty"`
}

// IntakeHandler accepts image submissions: it derives the content key,
// creates the pending request row, stores the blob and its preview, and
// publishes the content-stored trigger. When the content key is already
// resolved the request completes inline instead.
type IntakeHandler struct {
	requests     RequestStore
	completer    InlineCompleter
	blobs        BlobWriter
	producer     TriggerPublisher
	previewMaxPx int
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewIntakeHandler wires the intake endpoint.
func NewIntakeHandler(requests RequestStore, completer InlineCompleter, blobs BlobWriter, producer TriggerPublisher, previewMaxPx int, m *metrics.Metrics) *IntakeHandler {
	return &IntakeHandler{
		requests:     requests,
		completer:    completer,
		blobs:        blobs,
		producer:     producer,
		previewMaxPx: previewMaxPx,
		metrics:      m,
		logger:       slog.Default().With("component", "intake"),
	}
}

// HandleSubmit handles POST /v1/scans.
func (h *IntakeHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sub ScanSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	// Validation happens before any state is created: a rejected submission
	// leaves no request row, no blob, no computation.
	if !contentkey.Allowed(sub.ContentType) {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, "invalid file type, only JPEG and PNG are allowed")
		return
	}
	if sub.DesiredLabel == "" {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	data, err := base64.StdEncoding.DecodeString(sub.File)
	if err != nil {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, "file must be base64-encoded")
		return
	}
	if len(data) == 0 || len(data) > maxUploadBytes {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file must be between 1 byte and %d bytes", maxUploadBytes))
		return
	}

	previewData, format, err := preview.Generate(data, h.previewMaxPx)
	if err != nil {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, "file is not a decodable image")
		return
	}
	if !preview.FormatMatches(format, sub.ContentType) {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, fmt.Sprintf("declared type %s does not match image format %s", sub.ContentType, format))
		return
	}

	key := contentkey.Derive(data)
	objectKey, err := contentkey.ObjectKey(key, sub.ContentType)
	if err != nil {
		h.countSubmission("rejected")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := h.requests.CreateRequest(ctx, key, sub.DesiredLabel)
	if err != nil {
		h.logger.Error("failed to create request", "content_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record request")
		return
	}
	log := h.logger.With("request_id", req.RequestID, "content_key", key)

	// If this content was recognized before, the fan-out for its key already
	// happened and no trigger will fire again; complete the request here.
	done, err := h.completer.CompleteInline(ctx, req)
	if err != nil {
		log.Error("inline completion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve request")
		return
	}
	if done {
		completed, err := h.requests.GetRequest(ctx, req.RequestID)
		if err != nil {
			log.Error("failed to reload completed request", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve request")
			return
		}
		h.countSubmission("completed_inline")
		log.Info("submission completed inline")
		writeJSON(w, http.StatusOK, ScanAccepted{
			RequestID:    completed.RequestID,
			Status:       completed.Status,
			LabelMatched: completed.LabelMatched,
		})
		return
	}

	if err := h.blobs.Put(ctx, objectKey, data, sub.ContentType); err != nil {
		log.Error("failed to store blob", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store image")
		return
	}
	if err := h.blobs.Put(ctx, preview.Key(key), previewData, "image/jpeg"); err != nil {
		// Previews are best-effort; the scan proceeds without one.
		log.Warn("failed to store preview", "error", err)
	}

	ev := scan.ContentStoredEvent{
		ContentKey: key,
		ObjectKey:  objectKey,
		Size:       int64(len(data)),
		StoredAt:   time.Now().UTC(),
	}
	if err := h.producer.PublishContentStored(ctx, ev); err != nil {
		log.Error("failed to publish trigger, request stuck pending until re-triggered", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule recognition")
		return
	}

	h.countSubmission("accepted")
	log.Info("submission accepted", "object_key", objectKey, "size", ev.Size)
	writeJSON(w, http.StatusAccepted, ScanAccepted{
		RequestID: req.RequestID,
		Status:    req.Status,
	})
}

func (h *IntakeHandler) countSubmission(outcome string) {
	if h.metrics != nil {
		h.metrics.ScansSubmittedTotal.WithLabelValues(outcome).Inc()
	}
}
