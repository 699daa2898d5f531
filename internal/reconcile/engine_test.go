package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/image-scan-pipeline/internal/ledger"
	"github.com/tendant/image-scan-pipeline/internal/retry"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// fakeCache mimics the ledger's conditional-insert and terminal-state-guarded
// update semantics in memory.
type fakeCache struct {
	mu   sync.Mutex
	rows map[string]*scan.Computation
}

func newFakeCache() *fakeCache {
	return &fakeCache{rows: make(map[string]*scan.Computation)}
}

func (c *fakeCache) GetOrCreatePendingComputation(_ context.Context, contentKey string) (*scan.Computation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.rows[contentKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	row := &scan.Computation{
		ContentKey: contentKey,
		Status:     scan.ComputationProcessing,
		CreatedAt:  time.Now(),
	}
	c.rows[contentKey] = row
	cp := *row
	return &cp, true, nil
}

func (c *fakeCache) CompleteComputation(_ context.Context, contentKey string, labels []scan.Label) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[contentKey]
	if !ok {
		return ledger.ErrComputationNotFound
	}
	if row.Status == scan.ComputationCompleted {
		if reflect.DeepEqual(row.Labels, labels) {
			return nil
		}
		return ledger.ErrComputationConflict
	}
	now := time.Now()
	row.Status = scan.ComputationCompleted
	row.Labels = labels
	row.CompletedAt = &now
	return nil
}

func (c *fakeCache) GetComputation(_ context.Context, contentKey string) (*scan.Computation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[contentKey]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// seedProcessing plants a processing row, simulating a concurrent winner that
// has not completed yet.
func (c *fakeCache) seedProcessing(contentKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows[contentKey] = &scan.Computation{
		ContentKey: contentKey,
		Status:     scan.ComputationProcessing,
		CreatedAt:  time.Now(),
	}
}

func (c *fakeCache) status(contentKey string) scan.ComputationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows[contentKey].Status
}

type fakeRequests struct {
	mu   sync.Mutex
	rows map[string]*scan.ScanRequest
	seq  int
}

func newFakeRequests() *fakeRequests {
	return &fakeRequests{rows: make(map[string]*scan.ScanRequest)}
}

func (r *fakeRequests) add(contentKey, desiredLabel string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("req-%d", r.seq)
	r.rows[id] = &scan.ScanRequest{
		RequestID:    id,
		ContentKey:   contentKey,
		DesiredLabel: desiredLabel,
		Status:       scan.RequestPending,
		CreatedAt:    time.Now(),
	}
	return id
}

func (r *fakeRequests) GetRequest(_ context.Context, requestID string) (*scan.ScanRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[requestID]
	if !ok {
		return nil, ledger.ErrRequestNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeRequests) CompleteRequest(_ context.Context, requestID string, matched bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[requestID]
	if !ok {
		return ledger.ErrRequestNotFound
	}
	if row.Status == scan.RequestCompleted {
		return nil
	}
	now := time.Now()
	row.Status = scan.RequestCompleted
	row.LabelMatched = &matched
	row.CompletedAt = &now
	return nil
}

func (r *fakeRequests) FindPendingByContentKey(_ context.Context, contentKey string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, row := range r.rows {
		if row.ContentKey == contentKey && row.Status == scan.RequestPending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fakeRecognizer struct {
	mu     sync.Mutex
	labels []scan.Label
	err    error
	calls  int
}

func (f *fakeRecognizer) DetectLabels(_ context.Context, _ string) ([]scan.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.labels, nil
}

func (f *fakeRecognizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var catLabels = []scan.Label{
	{Name: "Cat", Confidence: 95.2},
	{Name: "Outdoor", Confidence: 80.0},
}

func event(contentKey string) scan.ContentStoredEvent {
	return scan.ContentStoredEvent{
		ContentKey: contentKey,
		ObjectKey:  contentKey + ".jpg",
		Size:       1024,
		StoredAt:   time.Now().UTC(),
	}
}

func TestReconcileWinnerComputesAndFansOut(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	id := requests.add("key-1", "cat")

	err := engine.Reconcile(context.Background(), event("key-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, recognizer.callCount())
	assert.Equal(t, scan.ComputationCompleted, cache.status("key-1"))

	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestCompleted, req.Status)
	require.NotNil(t, req.LabelMatched)
	assert.True(t, *req.LabelMatched)
}

func TestReconcileCachedSkipsRecognizer(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))
	require.Equal(t, 1, recognizer.callCount())

	// Identical content arrives again; the memo answers without an external
	// call.
	id := requests.add("key-1", "dog")
	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	assert.Equal(t, 1, recognizer.callCount())
	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestCompleted, req.Status)
	require.NotNil(t, req.LabelMatched)
	assert.False(t, *req.LabelMatched)
}

func TestReconcileRaceLossIsNoop(t *testing.T) {
	cache := newFakeCache()
	cache.seedProcessing("key-1")
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	id := requests.add("key-1", "cat")

	// The loser neither calls the recognizer nor completes requests; the
	// in-flight winner's fan-out will.
	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	assert.Equal(t, 0, recognizer.callCount())
	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestPending, req.Status)
	assert.Nil(t, req.LabelMatched)
}

func TestReconcileRecognitionFailureLeavesProcessing(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{err: errors.New("detector unavailable")}
	engine := NewEngine(cache, requests, recognizer, Options{
		Retry: retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
	})

	id := requests.add("key-1", "cat")

	err := engine.Reconcile(context.Background(), event("key-1"))
	require.Error(t, err)

	// Bounded in-process retry, then the error propagates so the trigger is
	// redelivered.
	assert.Equal(t, 2, recognizer.callCount())
	assert.Equal(t, scan.ComputationProcessing, cache.status("key-1"))

	req, getErr := requests.GetRequest(context.Background(), id)
	require.NoError(t, getErr)
	assert.Equal(t, scan.RequestPending, req.Status)

}

func TestReconcileStaleTakeover(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{
		StaleAfter: 50 * time.Millisecond,
	})

	// An earlier winner crashed mid-flight, leaving an orphaned processing
	// row. Once the row is older than StaleAfter a redelivered trigger claims
	// it instead of treating it as an in-flight race.
	cache.seedProcessing("key-1")
	id := requests.add("key-1", "cat")

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))
	assert.Equal(t, 0, recognizer.callCount(), "fresh processing row must not be taken over")

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))
	assert.Equal(t, 1, recognizer.callCount())
	assert.Equal(t, scan.ComputationCompleted, cache.status("key-1"))

	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestCompleted, req.Status)
	require.NotNil(t, req.LabelMatched)
	assert.True(t, *req.LabelMatched)
}

func TestReconcileFanOutCompletesAllPending(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	catID := requests.add("key-1", "cat")
	dogID := requests.add("key-1", "dog")
	otherID := requests.add("key-2", "cat")

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	cat, _ := requests.GetRequest(context.Background(), catID)
	dog, _ := requests.GetRequest(context.Background(), dogID)
	other, _ := requests.GetRequest(context.Background(), otherID)

	assert.Equal(t, scan.RequestCompleted, cat.Status)
	assert.True(t, *cat.LabelMatched)
	assert.Equal(t, scan.RequestCompleted, dog.Status)
	assert.False(t, *dog.LabelMatched)
	// Requests for other content keys are untouched.
	assert.Equal(t, scan.RequestPending, other.Status)
}

func TestReconcileRedeliveryIsIdempotent(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	id := requests.add("key-1", "cat")

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))
	first, _ := requests.GetRequest(context.Background(), id)

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))
	second, _ := requests.GetRequest(context.Background(), id)

	assert.Equal(t, 1, recognizer.callCount())
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, *first.LabelMatched, *second.LabelMatched)
	assert.Equal(t, first.CompletedAt.UnixNano(), second.CompletedAt.UnixNano())
}

func TestReconcileConflictKeepsStoredLabels(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	id := requests.add("key-1", "cat")

	// Between the insert and the completion another actor resolves the row
	// with different labels. The engine's own completion is rejected and the
	// stored labels stay authoritative.
	blocking := &conflictingRecognizer{
		cache:  cache,
		labels: []scan.Label{{Name: "Dog", Confidence: 99}},
		stored: catLabels,
	}
	engine := NewEngine(cache, requests, blocking, Options{})

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestCompleted, req.Status)
	// "cat" matches the stored labels, not the engine's rejected Dog result.
	require.NotNil(t, req.LabelMatched)
	assert.True(t, *req.LabelMatched)

	comp, err := cache.GetComputation(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, catLabels, comp.Labels)
}

// conflictingRecognizer completes the computation with different labels while
// the recognition call is in flight, forcing the caller's completion to be
// rejected as a conflict.
type conflictingRecognizer struct {
	cache  *fakeCache
	labels []scan.Label
	stored []scan.Label
}

func (c *conflictingRecognizer) DetectLabels(ctx context.Context, _ string) ([]scan.Label, error) {
	c.cache.mu.Lock()
	row := c.cache.rows["key-1"]
	now := time.Now()
	row.Status = scan.ComputationCompleted
	row.Labels = c.stored
	row.CompletedAt = &now
	c.cache.mu.Unlock()
	return c.labels, nil
}

func TestCompleteInlineResolvedKey(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	// Resolve the key first; the fan-out for it has come and gone.
	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	// A request for the same content arrives afterwards. No new trigger will
	// fan out to it, so intake completes it inline.
	id := requests.add("key-1", "outdoor")
	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)

	done, err := engine.CompleteInline(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, done)

	req, err = requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestCompleted, req.Status)
	require.NotNil(t, req.LabelMatched)
	assert.False(t, *req.LabelMatched) // Outdoor is only at 80
}

func TestCompleteInlineUnresolvedKey(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	engine := NewEngine(cache, requests, nil, Options{})

	id := requests.add("key-1", "cat")
	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)

	// Unseen key: stays pending for the trigger path.
	done, err := engine.CompleteInline(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, done)

	// Processing key: same outcome.
	cache.seedProcessing("key-1")
	done, err = engine.CompleteInline(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, done)

	req, err = requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestPending, req.Status)
}

// memoryHot is an in-process HotCache used to verify the read-through path.
type memoryHot struct {
	mu   sync.Mutex
	rows map[string]*scan.Computation
	gets int
	hits int
}

func newMemoryHot() *memoryHot {
	return &memoryHot{rows: make(map[string]*scan.Computation)}
}

func (m *memoryHot) Get(_ context.Context, contentKey string) *scan.Computation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if comp, ok := m.rows[contentKey]; ok {
		m.hits++
		return comp
	}
	return nil
}

func (m *memoryHot) Put(_ context.Context, comp *scan.Computation) {
	if !comp.Resolved() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[comp.ContentKey] = comp
}

func TestReconcileHotCacheShortCircuits(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	hot := newMemoryHot()
	engine := NewEngine(cache, requests, recognizer, Options{Hot: hot})

	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	// Second trigger is served entirely from the hot cache; the durable memo
	// is not even consulted.
	id := requests.add("key-1", "cat")
	require.NoError(t, engine.Reconcile(context.Background(), event("key-1")))

	assert.Equal(t, 1, recognizer.callCount())
	assert.GreaterOrEqual(t, hot.hits, 1)

	req, err := requests.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scan.RequestCompleted, req.Status)
}

func TestReconcileConcurrentTriggersSingleRecognition(t *testing.T) {
	cache := newFakeCache()
	requests := newFakeRequests()
	recognizer := &fakeRecognizer{labels: catLabels}
	engine := NewEngine(cache, requests, recognizer, Options{})

	requests.add("key-1", "cat")

	const triggers = 8
	var wg sync.WaitGroup
	errs := make([]error, triggers)
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = engine.Reconcile(context.Background(), event("key-1"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// Exactly one racer wins the insert and owns the external call.
	assert.Equal(t, 1, recognizer.callCount())
	assert.Equal(t, scan.ComputationCompleted, cache.status("key-1"))
}
