package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// HTTPRecognizer calls a recognition service over HTTP.
type HTTPRecognizer struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRecognizer creates a recognizer client for the given base URL.
func NewHTTPRecognizer(baseURL string) *HTTPRecognizer {
	return &HTTPRecognizer{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewHTTPRecognizerWithClient creates a recognizer client with a custom HTTP
// client.
func NewHTTPRecognizerWithClient(baseURL string, httpClient *http.Client) *HTTPRecognizer {
	return &HTTPRecognizer{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

type detectRequest struct {
	ObjectKey string `json:"object_key"`
}

type detectResponse struct {
	Labels []scan.Label `json:"labels"`
}

// DetectLabels asks the recognition service for the labels present in the
// stored object.
func (r *HTTPRecognizer) DetectLabels(ctx context.Context, objectKey string) ([]scan.Label, error) {
	body, err := json.Marshal(detectRequest{ObjectKey: objectKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/detect", r.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("recognition request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("recognition failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var detectResp detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&detectResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return detectResp.Labels, nil
}
