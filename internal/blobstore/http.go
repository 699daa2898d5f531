package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPStore implements Store against a remote object store exposing a plain
// key-addressed HTTP API (PUT/GET/HEAD /v1/objects/{key}).
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPStore creates an HTTP-based blob store client.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Put uploads data under key.
func (s *HTTPStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetReader downloads the blob at key.
func (s *HTTPStore) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// Exists checks whether a blob exists at key.
func (s *HTTPStore) Exists(ctx context.Context, key string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(key), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to check blob: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (s *HTTPStore) objectURL(key string) string {
	return fmt.Sprintf("%s/v1/objects/%s", s.baseURL, key)
}
