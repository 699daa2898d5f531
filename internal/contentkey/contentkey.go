// Package contentkey derives the content-addressed key for uploaded bytes
// and owns the object-key naming scheme used by the blob store.
package contentkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// extensions maps the allowed content types to their object-key extensions.
var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
}

// Derive returns the hex-encoded SHA-256 digest of data. Identical bytes
// always yield the same key; distinct bytes yield distinct keys up to digest
// strength.
func Derive(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Allowed reports whether contentType is on the intake allow-list.
func Allowed(contentType string) bool {
	_, ok := extensions[contentType]
	return ok
}

// ObjectKey returns the blob store key for a content key and content type,
// e.g. "8a56cc....jpg".
func ObjectKey(key, contentType string) (string, error) {
	ext, ok := extensions[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}
	return key + "." + ext, nil
}
