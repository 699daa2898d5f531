// Package runtime manages the DBOS workflow runtime that executes
// reconciliations durably.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	_ "github.com/lib/pq"
)

// Config holds DBOS runtime configuration.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string for DBOS state storage.
	// Required.
	DatabaseURL string

	// AppName identifies this application in DBOS.
	AppName string

	// QueueName is the name of the workflow queue. Defaults to "reconcile".
	QueueName string

	// Concurrency is the number of concurrent workers per queue. Defaults
	// to 4.
	Concurrency int
}

// WithDefaults fills in default values for optional fields.
func (c *Config) WithDefaults() {
	if c.QueueName == "" {
		c.QueueName = "reconcile"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
}

// Runtime manages the DBOS runtime lifecycle.
type Runtime struct {
	dbosContext dbos.DBOSContext
	queue       *dbos.WorkflowQueue
	config      Config
	db          *sql.DB
}

// NewRuntime initializes the DBOS context and workflow queue.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	cfg.WithDefaults()

	dbosCtx, err := dbos.NewDBOSContext(ctx, dbos.Config{
		DatabaseURL: cfg.DatabaseURL,
		AppName:     cfg.AppName,
	})
	if err != nil {
		return nil, err
	}

	queue := dbos.NewWorkflowQueue(dbosCtx, cfg.QueueName)

	// Direct connection for workflow status lookups.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		dbosContext: dbosCtx,
		queue:       &queue,
		config:      cfg,
		db:          db,
	}, nil
}

// Launch starts the DBOS runtime and workers. Must be called after all
// workflows are registered.
func (r *Runtime) Launch() error {
	return dbos.Launch(r.dbosContext)
}

// Shutdown gracefully shuts down the DBOS runtime.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	dbos.Shutdown(r.dbosContext, timeout)
	if r.db != nil {
		r.db.Close()
	}
	return nil
}

// Context returns the DBOS context.
func (r *Runtime) Context() dbos.DBOSContext {
	return r.dbosContext
}

// QueueName returns the configured queue name.
func (r *Runtime) QueueName() string {
	return r.config.QueueName
}

// Concurrency returns the configured concurrency.
func (r *Runtime) Concurrency() int {
	return r.config.Concurrency
}

// WorkflowStatusInfo is the recorded state of one workflow execution, for
// diagnostics.
type WorkflowStatusInfo struct {
	WorkflowID string
	Status     string
	Name       string
	CreatedAt  int64
	UpdatedAt  int64
}

// WorkflowStatus reads a workflow's state from the DBOS status table.
func (r *Runtime) WorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatusInfo, error) {
	var info WorkflowStatusInfo
	err := r.db.QueryRowContext(ctx, `
		SELECT workflow_uuid, status, name, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1`,
		workflowID).Scan(&info.WorkflowID, &info.Status, &info.Name, &info.CreatedAt, &info.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}
	return &info, nil
}
