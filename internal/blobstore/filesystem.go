package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore implements Store on the local filesystem.
type FilesystemStore struct {
	baseDir string
}

// NewFilesystemStore creates a filesystem store rooted at baseDir.
func NewFilesystemStore(baseDir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FilesystemStore{baseDir: baseDir}, nil
}

// Put writes data to the file at key. The write goes through a temp file and
// rename so a crash never leaves a partial blob at the final key.
func (fs *FilesystemStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := fs.resolve(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fs.baseDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

// GetReader returns a reader for the file at key.
func (fs *FilesystemStore) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", key)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return file, nil
}

// Exists checks if a file exists at key.
func (fs *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// GetMetadata returns metadata for the file at key.
func (fs *FilesystemStore) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	path, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", key)
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	return &Metadata{Size: info.Size()}, nil
}

// resolve joins key onto the base directory, rejecting path traversal.
func (fs *FilesystemStore) resolve(key string) (string, error) {
	path := filepath.Join(fs.baseDir, key)
	if !filepath.HasPrefix(filepath.Clean(path), filepath.Clean(fs.baseDir)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return path, nil
}
