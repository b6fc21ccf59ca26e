// Package worker runs background housekeeping for persisted runs.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// RunMaintainer provides the store operations the worker needs.
type RunMaintainer interface {
	SupersedeStaleRuns(ctx context.Context) (int64, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
}

// Worker recovers runs left open by a previous process and periodically
// deletes finished runs older than the retention window. Artifacts are never
// pruned.
type Worker struct {
	store     RunMaintainer
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a new Worker.
func New(store RunMaintainer, retention, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    logger.With("component", "worker"),
	}
}

// Recover marks runs that were still in flight when the last process exited
// as superseded. Call it before the orchestrator accepts submissions.
func (w *Worker) Recover(ctx context.Context) (int64, error) {
	n, err := w.store.SupersedeStaleRuns(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("superseded stale runs", "count", n)
	}
	return n, nil
}

// Start begins the pruning loop. It blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started", "interval", w.interval.String(), "retention", w.retention.String())
	for {
		if _, err := w.PruneOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("prune runs", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return
		case <-time.After(w.interval):
		}
	}
}

// PruneOnce deletes finished runs last updated before now minus retention.
func (w *Worker) PruneOnce(ctx context.Context) (int64, error) {
	before := w.now().Add(-w.retention)
	n, err := w.store.PruneRuns(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.logger.Info("pruned runs", "count", n, "before", before.UTC().Format(time.RFC3339))
	}
	return n, nil
}
