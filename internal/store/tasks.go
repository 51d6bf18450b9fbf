package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/flowlens/flowlens/infrastructure/errors"
)

// TaskRunRecorder bookkeeps each run of a periodic background job
// (aggregator sweep, gateway rollup, change detector, alert dispatcher)
// into background_tasks, giving operators a queryable history of the
// task pipeline the concurrency model describes without requiring a
// separate metrics backend for "is this task still running / when did it
// last succeed" questions.
type TaskRunRecorder struct {
	db *sql.DB
}

// NewTaskRunRecorder wraps db.
func NewTaskRunRecorder(db *sql.DB) *TaskRunRecorder {
	return &TaskRunRecorder{db: db}
}

// Start records the beginning of one task run and returns its id.
func (r *TaskRunRecorder) Start(ctx context.Context, taskName string, startedAt time.Time) (string, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO background_tasks (id, task_name, started_at, succeeded, items_processed)
		VALUES ($1,$2,$3,false,0)`, id, taskName, startedAt)
	if err != nil {
		return "", errors.StoreTransient("task_run_start", err)
	}
	return id, nil
}

// Finish records the outcome of a task run started with Start.
func (r *TaskRunRecorder) Finish(ctx context.Context, id string, finishedAt time.Time, succeeded bool, itemsProcessed int, runErr error) error {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE background_tasks SET finished_at = $1, succeeded = $2, items_processed = $3, error = $4
		WHERE id = $5`, finishedAt, succeeded, itemsProcessed, errMsg, id)
	if err != nil {
		return errors.StoreTransient("task_run_finish", err)
	}
	return nil
}

// LastRun returns the most recent run of taskName, if any.
func (r *TaskRunRecorder) LastRun(ctx context.Context, taskName string) (*BackgroundTask, error) {
	ctx, cancel := withCommandTimeout(ctx)
	defer cancel()

	var t BackgroundTask
	err := r.db.QueryRowContext(ctx, `
		SELECT id, task_name, started_at, finished_at, succeeded, items_processed, error
		FROM background_tasks WHERE task_name = $1 ORDER BY started_at DESC LIMIT 1`, taskName,
	).Scan(&t.ID, &t.TaskName, &t.StartedAt, &t.FinishedAt, &t.Succeeded, &t.ItemsProcessed, &t.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StoreTransient("task_run_last", err)
	}
	return &t, nil
}

// Run wraps f with Start/Finish bookkeeping and returns f's error
// unmodified, so callers can still act on the specific failure.
func (r *TaskRunRecorder) Run(ctx context.Context, taskName string, f func(ctx context.Context) (int, error)) error {
	id, err := r.Start(ctx, taskName, time.Now())
	if err != nil {
		return err
	}
	items, runErr := f(ctx)
	_ = r.Finish(ctx, id, time.Now(), runErr == nil, items, runErr)
	return runErr
}
