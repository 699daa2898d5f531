// Package match decides whether a desired label is present in a recognition
// result.
package match

import (
	"strings"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// DefaultConfidenceThreshold is the minimum confidence a label must exceed
// to count as a match.
const DefaultConfidenceThreshold = 90.0

// Matches reports whether labels contains desired (case-insensitive exact
// name comparison) with confidence strictly greater than threshold. No
// partial or fuzzy matching.
func Matches(desired string, labels []scan.Label, threshold float64) bool {
	for _, l := range labels {
		if strings.EqualFold(l.Name, desired) && l.Confidence > threshold {
			return true
		}
	}
	return false
}
