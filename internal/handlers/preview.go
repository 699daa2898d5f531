package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tendant/image-scan-pipeline/internal/blobstore"
	"github.com/tendant/image-scan-pipeline/internal/preview"
)

// PreviewHandler serves the preview JPEG stored next to each uploaded blob.
type PreviewHandler struct {
	blobs  blobstore.Store
	logger *slog.Logger
}

// NewPreviewHandler wires the preview endpoint.
func NewPreviewHandler(blobs blobstore.Store) *PreviewHandler {
	return &PreviewHandler{
		blobs:  blobs,
		logger: slog.Default().With("component", "preview"),
	}
}

// HandlePreview handles GET /v1/previews/{key}, where key is the content key
// of the original upload.
func (h *PreviewHandler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	contentKey := r.PathValue("key")
	if contentKey == "" {
		writeError(w, http.StatusBadRequest, "content key is required")
		return
	}
	objectKey := preview.Key(contentKey)

	reader, err := h.blobs.GetReader(r.Context(), objectKey)
	if err != nil {
		writeError(w, http.StatusNotFound, "no preview for content key")
		return
	}
	defer reader.Close()

	setCORS(w)
	w.Header().Set("Content-Type", "image/jpeg")
	if meta, ok := h.blobs.(blobstore.StoreWithMetadata); ok {
		if m, err := meta.GetMetadata(r.Context(), objectKey); err == nil {
			w.Header().Set("Content-Length", strconv.FormatInt(m.Size, 10))
		}
	}
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Warn("preview write aborted", "content_key", contentKey, "error", err)
	}
}
