package syncengine

import (
	"context"
	"log/slog"
	"time"
)

// Pinger probes the active read target. Implemented by remote stores.
type Pinger interface {
	Name() string
	Ping(ctx context.Context) error
}

// OnlineMarker persists per-tenant online state. Implemented by
// localstore.Store.
type OnlineMarker interface {
	SetOnline(ctx context.Context, tenantID string, online bool) error
}

// NetWatcher probes remote connectivity and triggers a sync pass for every
// tenant when connectivity comes back, so offline edits drain as soon as the
// network allows instead of waiting for the next scheduled pass.
type NetWatcher struct {
	probe    func() Pinger
	engine   Syncer
	tenants  TenantLister
	marker   OnlineMarker
	interval time.Duration

	online bool
}

// NewNetWatcher creates a watcher that probes via the given target source.
// The source is a func so the probe always hits the currently active read
// target even when the migration phase changes underneath it.
func NewNetWatcher(probe func() Pinger, engine Syncer, tenants TenantLister, marker OnlineMarker, interval time.Duration) *NetWatcher {
	return &NetWatcher{
		probe:    probe,
		engine:   engine,
		tenants:  tenants,
		marker:   marker,
		interval: interval,
		online:   true,
	}
}

// Run starts the connectivity probe loop. It blocks until ctx is cancelled.
func (w *NetWatcher) Run(ctx context.Context) {
	slog.Info("network watcher started",
		"component", "worker",
		"worker", "net-watcher",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("network watcher stopped",
				"component", "worker",
				"worker", "net-watcher",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs one connectivity probe and handles any state transition.
// Exposed so a reconnect can be forced outside the probe interval.
func (w *NetWatcher) Check(ctx context.Context) {
	target := w.probe()
	err := target.Ping(ctx)
	nowOnline := err == nil

	if nowOnline == w.online {
		return
	}
	w.online = nowOnline

	tenants, listErr := w.tenants.Tenants(ctx)
	if listErr != nil {
		slog.Error("failed to list tenants on connectivity change",
			"component", "worker",
			"worker", "net-watcher",
			"error", listErr,
		)
		tenants = nil
	}

	if !nowOnline {
		slog.Warn("remote store unreachable, entering offline mode",
			"component", "worker",
			"worker", "net-watcher",
			"target", target.Name(),
			"error", err,
		)
		for _, tenant := range tenants {
			if err := w.marker.SetOnline(ctx, tenant, false); err != nil {
				slog.Error("failed to mark tenant offline",
					"component", "worker",
					"worker", "net-watcher",
					"tenant", tenant,
					"error", err,
				)
			}
		}
		return
	}

	slog.Info("remote store reachable again, triggering sync",
		"component", "worker",
		"worker", "net-watcher",
		"target", target.Name(),
		"tenants", len(tenants),
	)
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := w.marker.SetOnline(ctx, tenant, true); err != nil {
			slog.Error("failed to mark tenant online",
				"component", "worker",
				"worker", "net-watcher",
				"tenant", tenant,
				"error", err,
			)
		}
		if _, err := w.engine.FullSync(ctx, tenant); err != nil {
			slog.Error("reconnect sync failed",
				"component", "worker",
				"worker", "net-watcher",
				"tenant", tenant,
				"error", err,
			)
		}
	}
}
