// Package reconcile drives the recognition memo and fans results out to
// pending scan requests.
//
// Per content key the workflow moves through three states: unseen (no
// computation row), computing (processing row exists), resolved (completed
// row with labels). Triggers arrive at-least-once and unordered; every
// transition below is idempotent, so redelivery and races converge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/image-scan-pipeline/internal/ledger"
	"github.com/tendant/image-scan-pipeline/internal/match"
	"github.com/tendant/image-scan-pipeline/internal/metrics"
	"github.com/tendant/image-scan-pipeline/internal/recognize"
	"github.com/tendant/image-scan-pipeline/internal/retry"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// RecognitionCache is the durable memo of recognition results.
type RecognitionCache interface {
	GetOrCreatePendingComputation(ctx context.Context, contentKey string) (*scan.Computation, bool, error)
	CompleteComputation(ctx context.Context, contentKey string, labels []scan.Label) error
	GetComputation(ctx context.Context, contentKey string) (*scan.Computation, error)
}

// RequestLedger is the durable table of client scan requests.
type RequestLedger interface {
	GetRequest(ctx context.Context, requestID string) (*scan.ScanRequest, error)
	CompleteRequest(ctx context.Context, requestID string, matched bool) error
	FindPendingByContentKey(ctx context.Context, contentKey string) ([]string, error)
}

// HotCache is an optional in-front cache of resolved computations. Both
// methods must be safe on a nil implementation value.
type HotCache interface {
	Get(ctx context.Context, contentKey string) *scan.Computation
	Put(ctx context.Context, comp *scan.Computation)
}

// DefaultStaleAfter is how long a processing row may sit unresolved before a
// redelivered trigger is allowed to take it over. Must exceed the worst-case
// recognition call including in-process retries.
const DefaultStaleAfter = 5 * time.Minute

// Engine reconciles content-stored triggers with pending scan requests.
type Engine struct {
	cache      RecognitionCache
	requests   RequestLedger
	recognizer recognize.Recognizer
	hot        HotCache
	threshold  float64
	staleAfter time.Duration
	retryCfg   retry.Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	// Hot enables the read-through computation cache.
	Hot HotCache

	// Threshold overrides the default label-confidence threshold.
	Threshold float64

	// StaleAfter overrides DefaultStaleAfter.
	StaleAfter time.Duration

	// Retry bounds the in-process recognition retry loop.
	Retry retry.Config

	// Metrics enables instrumentation.
	Metrics *metrics.Metrics
}

// NewEngine wires a reconciliation engine.
func NewEngine(cache RecognitionCache, requests RequestLedger, recognizer recognize.Recognizer, opts Options) *Engine {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = match.DefaultConfidenceThreshold
	}
	staleAfter := opts.StaleAfter
	if staleAfter == 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Engine{
		cache:      cache,
		requests:   requests,
		recognizer: recognizer,
		hot:        opts.Hot,
		threshold:  threshold,
		staleAfter: staleAfter,
		retryCfg:   opts.Retry,
		metrics:    opts.Metrics,
		logger:     slog.Default().With("component", "reconcile"),
	}
}

// Reconcile handles one content-stored trigger: resolve or compute the label
// set for the content key, then complete every pending request that shares
// it. Returning an error signals the trigger must be redelivered; the
// computation row is left processing in that case.
func (e *Engine) Reconcile(ctx context.Context, ev scan.ContentStoredEvent) error {
	log := e.logger.With("content_key", ev.ContentKey)

	labels, outcome, err := e.resolveLabels(ctx, ev, log)
	if err != nil {
		e.countRun("error")
		return err
	}
	if outcome == "race_loss" {
		// Another trigger's winner is mid-flight; its completion will fan
		// out. Exiting here is a normal outcome, not an error.
		log.Info("computation in flight elsewhere, skipping")
		e.countRun("race_loss")
		return nil
	}

	if err := e.fanOut(ctx, ev.ContentKey, labels, log); err != nil {
		e.countRun("error")
		return err
	}
	e.countRun(outcome)
	return nil
}

// resolveLabels returns the authoritative label set for the trigger's
// content key, computing it when this caller wins the insert race. The
// outcome is "cached", "computed", or "race_loss" (labels nil).
func (e *Engine) resolveLabels(ctx context.Context, ev scan.ContentStoredEvent, log *slog.Logger) ([]scan.Label, string, error) {
	if hot := e.hotGet(ctx, ev.ContentKey); hot.Resolved() {
		log.Debug("resolved from hot cache")
		e.countCacheHit()
		return hot.Labels, "cached", nil
	}

	comp, created, err := e.cache.GetOrCreatePendingComputation(ctx, ev.ContentKey)
	if err != nil {
		return nil, "", fmt.Errorf("resolving computation: %w", err)
	}

	if !created {
		if comp.Resolved() {
			// Dedup fast path: identical content seen before, no external
			// call needed.
			log.Debug("resolved from recognition cache")
			e.countCacheHit()
			e.hotPut(ctx, comp)
			return comp.Labels, "cached", nil
		}
		if time.Since(comp.CreatedAt) < e.staleAfter {
			return nil, "race_loss", nil
		}
		// The row's owner failed or crashed mid-flight and its trigger was
		// redelivered. Claim the orphaned row; the terminal-state guard on
		// completion keeps this safe if the owner resurfaces.
		log.Warn("taking over stale computation", "age", time.Since(comp.CreatedAt))
	}

	// This caller owns the external call: it either won the insert race or
	// claimed a stale row. No lock is held here; the conditional insert
	// serialized ownership, and duplicate completions are guarded below.
	e.countCacheMiss()
	var labels []scan.Label
	err = retry.Do(ctx, "detect-labels", e.retryCfg, func() error {
		var detectErr error
		labels, detectErr = e.recognizer.DetectLabels(ctx, ev.ObjectKey)
		return detectErr
	})
	if err != nil {
		// Leave the row processing so a redelivered trigger can retry.
		e.countRecognition("error")
		return nil, "", fmt.Errorf("recognition failed for %s: %w", ev.ContentKey, err)
	}
	e.countRecognition("ok")
	log.Info("recognition completed", "labels", len(labels))

	if err := e.cache.CompleteComputation(ctx, ev.ContentKey, labels); err != nil {
		if errors.Is(err, ledger.ErrComputationConflict) {
			// Someone already completed with a different label set. Keep the
			// stored labels authoritative and continue.
			log.Warn("conflicting completion rejected, using stored labels", "error", err)
			stored, getErr := e.cache.GetComputation(ctx, ev.ContentKey)
			if getErr != nil {
				return nil, "", getErr
			}
			if !stored.Resolved() {
				return nil, "", fmt.Errorf("conflicting computation %s not resolved", ev.ContentKey)
			}
			e.hotPut(ctx, stored)
			return stored.Labels, "computed", nil
		}
		return nil, "", fmt.Errorf("completing computation: %w", err)
	}

	e.hotPut(ctx, &scan.Computation{
		ContentKey: ev.ContentKey,
		Status:     scan.ComputationCompleted,
		Labels:     labels,
	})
	return labels, "computed", nil
}

// fanOut completes every pending request referencing contentKey. Individual
// failures are collected rather than aborting the loop; the joined error
// forces redelivery, and already-completed requests are no-ops on replay.
func (e *Engine) fanOut(ctx context.Context, contentKey string, labels []scan.Label, log *slog.Logger) error {
	ids, err := e.requests.FindPendingByContentKey(ctx, contentKey)
	if err != nil {
		return fmt.Errorf("finding pending requests: %w", err)
	}

	var errs []error
	completed := 0
	for _, id := range ids {
		req, err := e.requests.GetRequest(ctx, id)
		if err != nil {
			if errors.Is(err, ledger.ErrRequestNotFound) {
				log.Warn("pending request vanished", "request_id", id)
				continue
			}
			errs = append(errs, err)
			continue
		}
		if req.Status == scan.RequestCompleted {
			continue
		}
		matched := match.Matches(req.DesiredLabel, labels, e.threshold)
		if err := e.requests.CompleteRequest(ctx, id, matched); err != nil {
			errs = append(errs, fmt.Errorf("completing request %s: %w", id, err))
			continue
		}
		e.countCompletion(matched)
		completed++
		log.Info("request completed", "request_id", id, "matched", matched)
	}

	if e.metrics != nil {
		e.metrics.FanoutRequests.Observe(float64(completed))
	}
	return errors.Join(errs...)
}

// CompleteInline finishes a freshly created request when its content key is
// already resolved. This closes the race where a request is created after
// the fan-out for its key already happened: no further trigger will fire for
// that key, so the intake path must reconcile it itself. Returns true when
// the request was completed.
func (e *Engine) CompleteInline(ctx context.Context, req *scan.ScanRequest) (bool, error) {
	comp := e.hotGet(ctx, req.ContentKey)
	if !comp.Resolved() {
		var err error
		comp, err = e.cache.GetComputation(ctx, req.ContentKey)
		if err != nil {
			return false, err
		}
		if !comp.Resolved() {
			return false, nil
		}
		e.hotPut(ctx, comp)
	}

	matched := match.Matches(req.DesiredLabel, comp.Labels, e.threshold)
	if err := e.requests.CompleteRequest(ctx, req.RequestID, matched); err != nil {
		return false, err
	}
	e.countCompletion(matched)
	e.logger.Info("request completed inline",
		"request_id", req.RequestID,
		"content_key", req.ContentKey,
		"matched", matched,
	)
	return true, nil
}

func (e *Engine) hotGet(ctx context.Context, contentKey string) *scan.Computation {
	if e.hot == nil {
		return nil
	}
	return e.hot.Get(ctx, contentKey)
}

func (e *Engine) hotPut(ctx context.Context, comp *scan.Computation) {
	if e.hot != nil {
		e.hot.Put(ctx, comp)
	}
}

func (e *Engine) countRun(outcome string) {
	if e.metrics != nil {
		e.metrics.ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countRecognition(status string) {
	if e.metrics != nil {
		e.metrics.RecognitionCallsTotal.WithLabelValues(status).Inc()
	}
}

func (e *Engine) countCacheHit() {
	if e.metrics != nil {
		e.metrics.ComputationCacheHits.Inc()
	}
}

func (e *Engine) countCacheMiss() {
	if e.metrics != nil {
		e.metrics.ComputationCacheMisses.Inc()
	}
}

func (e *Engine) countCompletion(matched bool) {
	if e.metrics != nil {
		e.metrics.RequestsCompletedTotal.WithLabelValues(fmt.Sprintf("%t", matched)).Inc()
	}
}
