// Package blobstore stores uploaded content addressed by object key.
package blobstore

import (
	"context"
	"io"
)

// Store provides durable, content-key-addressed blob storage. Put is
// idempotent: writing the same key twice is harmless because keys are
// content-addressed, so identical keys carry identical bytes.
type Store interface {
	// Put stores data under key with the given content type.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// GetReader returns a reader for the blob at key.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks whether a blob exists at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// Metadata describes a stored blob.
type Metadata struct {
	Size        int64
	ContentType string
}

// StoreWithMetadata extends Store with metadata lookups.
type StoreWithMetadata interface {
	Store

	// GetMetadata returns metadata for the blob at key.
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
}
