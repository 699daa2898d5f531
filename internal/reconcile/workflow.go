package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/tendant/image-scan-pipeline/internal/runtime"
	"github.com/tendant/image-scan-pipeline/internal/scan"
)

// Worker executes reconciliations as durable DBOS workflows. Each trigger
// delivery is enqueued under a fresh workflow id; idempotence comes from the
// ledger, not from workflow dedup, so redeliveries are safe.
type Worker struct {
	engine  *Engine
	runtime *runtime.Runtime
	logger  *slog.Logger
}

// NewWorker registers the reconcile workflow with DBOS. Must be called
// before the runtime is launched.
func NewWorker(rt *runtime.Runtime, engine *Engine) *Worker {
	w := &Worker{
		engine:  engine,
		runtime: rt,
		logger:  slog.Default().With("component", "reconcile-worker"),
	}
	dbos.RegisterWorkflow(rt.Context(), w.reconcileWorkflow)
	return w
}

// Handle runs one trigger through a durable workflow and waits for its
// result, so the caller's at-least-once transport only acknowledges after
// the reconciliation actually succeeded.
func (w *Worker) Handle(ctx context.Context, ev scan.ContentStoredEvent) error {
	workflowID := fmt.Sprintf("reconcile-%s-%d", ev.ContentKey, time.Now().UnixNano())

	handle, err := dbos.RunWorkflow[scan.ContentStoredEvent, string](
		w.runtime.Context(),
		w.reconcileWorkflow,
		ev,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(w.runtime.QueueName()),
	)
	if err != nil {
		return fmt.Errorf("enqueuing reconcile workflow: %w", err)
	}

	w.logger.Debug("workflow enqueued",
		"workflow_id", handle.GetWorkflowID(),
		"content_key", ev.ContentKey,
	)

	if _, err := handle.GetResult(); err != nil {
		return fmt.Errorf("reconcile workflow %s failed: %w", workflowID, err)
	}
	return nil
}

// reconcileWorkflow is the DBOS workflow function. DBOSContext implements
// context.Context, so the engine runs under workflow checkpointing.
func (w *Worker) reconcileWorkflow(dbosCtx dbos.DBOSContext, ev scan.ContentStoredEvent) (string, error) {
	if err := w.engine.Reconcile(dbosCtx, ev); err != nil {
		return "", err
	}
	return ev.ContentKey, nil
}
