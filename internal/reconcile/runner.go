package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner executes reconciliation sweeps on an interval and retains the most
// recent report for the admin API.
type Runner struct {
	job      *Job
	archiver Archiver
	interval time.Duration

	mu     sync.RWMutex
	latest *Report
}

// NewRunner creates a runner for the given job.
func NewRunner(job *Job, archiver Archiver, interval time.Duration) *Runner {
	return &Runner{
		job:      job,
		archiver: archiver,
		interval: interval,
	}
}

// Latest returns the most recent report, or nil before the first sweep.
func (r *Runner) Latest() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// RunOnce executes a single sweep, retains its report, and archives it.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	report, err := r.job.Run(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.latest = report
	r.mu.Unlock()

	if err := r.archiver.Archive(ctx, report); err != nil {
		// An archive failure does not invalidate the sweep itself.
		slog.Error("failed to archive reconciliation report",
			"component", "reconcile",
			"report_id", report.ID,
			"error", err,
		)
	}
	return report, nil
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
//
// The first sweep waits a full interval. Counting every tenant and table on
// both remote stores is IO-heavy, and the stores are already under load from
// the sync backlog a restarted process drains first.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("reconciliation runner started",
		"component", "worker",
		"worker", "reconcile-runner",
		"interval", r.interval.String(),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciliation runner stopped",
				"component", "worker",
				"worker", "reconcile-runner",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Error("reconciliation sweep failed",
					"component", "worker",
					"worker", "reconcile-runner",
					"error", err,
				)
			}
		}
	}
}
