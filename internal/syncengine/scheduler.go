package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Syncer runs a full sync cycle for one tenant. Implemented by Engine.
type Syncer interface {
	FullSync(ctx context.Context, tenantID string) (*Report, error)
}

// TenantLister enumerates the tenants known to the local cache.
// Implemented by localstore.Store.
type TenantLister interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Scheduler periodically syncs every known tenant.
type Scheduler struct {
	engine   Syncer
	tenants  TenantLister
	interval time.Duration
}

// NewScheduler creates a scheduler that runs a full sync pass every interval.
func NewScheduler(engine Syncer, tenants TenantLister, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		tenants:  tenants,
		interval: interval,
	}
}

// Run starts the scheduler loop. It blocks until ctx is cancelled.
//
// The first pass runs immediately so a restarted process drains whatever
// queued up while it was down, instead of sitting idle for a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("sync scheduler started",
		"component", "worker",
		"worker", "sync-scheduler",
		"interval", s.interval.String(),
	)

	s.syncAllTenants(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync scheduler stopped",
				"component", "worker",
				"worker", "sync-scheduler",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.syncAllTenants(ctx)
		}
	}
}

// syncAllTenants runs one sync per tenant, continuing on individual failures.
func (s *Scheduler) syncAllTenants(ctx context.Context) {
	tenants, err := s.tenants.Tenants(ctx)
	if err != nil {
		slog.Error("failed to list tenants for sync",
			"component", "worker",
			"worker", "sync-scheduler",
			"error", err,
		)
		return
	}

	var succeeded, skipped, failed int
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		_, err := s.engine.FullSync(ctx, tenant)
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrSyncInProgress):
			skipped++
		default:
			failed++
			slog.Error("tenant sync failed",
				"component", "worker",
				"worker", "sync-scheduler",
				"tenant", tenant,
				"error", err,
			)
		}
	}

	if succeeded > 0 || skipped > 0 || failed > 0 {
		slog.Info("sync pass completed",
			"component", "worker",
			"worker", "sync-scheduler",
			"tenants_total", len(tenants),
			"tenants_succeeded", succeeded,
			"tenants_skipped", skipped,
			"tenants_failed", failed,
		)
	}
}
