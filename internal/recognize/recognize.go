// Package recognize calls the external image recognition capability.
package recognize

import (
	"context"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// Recognizer detects labels in stored content. The object key references the
// blob in the shared content store. Implementations may be slow and
// rate-limited; callers must never hold locks across a call and must treat
// failures as retryable.
type Recognizer interface {
	DetectLabels(ctx context.Context, objectKey string) ([]scan.Label, error)
}
