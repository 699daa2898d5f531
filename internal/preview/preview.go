// Package preview renders a bounded JPEG preview of an uploaded image,
// stored next to the original blob.
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoder

	"github.com/disintegration/imaging"
)

// jpegQuality matches the quality used for all derived JPEG output.
const jpegQuality = 80

// Key returns the object key of the preview for a content key.
func Key(contentKey string) string {
	return contentKey + "_preview.jpg"
}

// Generate decodes src, fits it within maxPx on the longer edge using
// Lanczos resampling, and returns it encoded as JPEG. The source format is
// returned alongside, so callers can verify it against the declared content
// type.
func Generate(src []byte, maxPx int) (data []byte, format string, err error) {
	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, "", fmt.Errorf("image decode failed: %w", err)
	}

	thumb := imaging.Fit(img, maxPx, maxPx, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", fmt.Errorf("jpeg encode failed: %w", err)
	}
	return buf.Bytes(), format, nil
}

// FormatMatches reports whether the decoded image format is consistent with
// the declared content type.
func FormatMatches(format, contentType string) bool {
	switch contentType {
	case "image/jpeg":
		return format == "jpeg"
	case "image/png":
		return format == "png"
	default:
		return false
	}
}
