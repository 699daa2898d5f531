package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-scan-pipeline/internal/scan"
)

type fakeComputationStore struct {
	rows  map[string]*scan.Computation
	stale []scan.Computation
}

func newFakeComputationStore() *fakeComputationStore {
	return &fakeComputationStore{rows: make(map[string]*scan.Computation)}
}

func (s *fakeComputationStore) GetComputation(_ context.Context, contentKey string) (*scan.Computation, error) {
	return s.rows[contentKey], nil
}

func (s *fakeComputationStore) ListStaleComputations(_ context.Context, _ time.Time) ([]scan.Computation, error) {
	return s.stale, nil
}

func statusRequest(id, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/scans/"+id+query, nil)
	req.SetPathValue("id", id)
	return req
}

func TestHandleStatusPending(t *testing.T) {
	store := newFakeRequestStore()
	req, err := store.CreateRequest(context.Background(), "key-1", "cat")
	require.NoError(t, err)

	h := NewStatusHandler(store, newFakeComputationStore())
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, statusRequest(req.RequestID, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Equal(t, scan.RequestPending, resp.Status)
	assert.Nil(t, resp.LabelMatched)
	assert.Nil(t, resp.Computation)
}

func TestHandleStatusCompleted(t *testing.T) {
	store := newFakeRequestStore()
	req, err := store.CreateRequest(context.Background(), "key-1", "cat")
	require.NoError(t, err)
	store.complete(req.RequestID, true)

	h := NewStatusHandler(store, newFakeComputationStore())
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, statusRequest(req.RequestID, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, scan.RequestCompleted, resp.Status)
	require.NotNil(t, resp.LabelMatched)
	assert.True(t, *resp.LabelMatched)
}

func TestHandleStatusNotFound(t *testing.T) {
	h := NewStatusHandler(newFakeRequestStore(), newFakeComputationStore())
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, statusRequest("no-such-id", ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStatusVerbose(t *testing.T) {
	store := newFakeRequestStore()
	req, err := store.CreateRequest(context.Background(), "key-1", "cat")
	require.NoError(t, err)

	computations := newFakeComputationStore()
	computations.rows["key-1"] = &scan.Computation{
		ContentKey: "key-1",
		Status:     scan.ComputationCompleted,
		Labels:     []scan.Label{{Name: "Cat", Confidence: 95.2}},
	}

	h := NewStatusHandler(store, computations)
	rec := httptest.NewRecorder()
	h.HandleStatus(rec, statusRequest(req.RequestID, "?verbose=1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Computation)
	assert.Equal(t, scan.ComputationCompleted, resp.Computation.Status)
	require.Len(t, resp.Computation.Labels, 1)
	assert.Equal(t, "Cat", resp.Computation.Labels[0].Name)
}
