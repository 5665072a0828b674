// Package telemetry holds the prometheus collectors every sync, dual-write,
// and reconciliation outcome is recorded against. The core emits these
// records for external monitoring and does not interpret them further.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors registered against one registry. Tenants are
// deliberately not a label: tenant counts are unbounded in a SaaS deployment.
type Metrics struct {
	SyncCycles          *prometheus.CounterVec // result: completed|skipped|failed
	MutationsApplied    prometheus.Counter
	MutationsFailed     prometheus.Counter
	MutationsDropped    prometheus.Counter
	SyncDuration        prometheus.Histogram
	PullRowsApplied     prometheus.Counter
	DualWriteAttempts   *prometheus.CounterVec // operation, result: success|failure
	Rollbacks           *prometheus.CounterVec // result: success|failure
	ReconcileRuns       *prometheus.CounterVec // status: passed|warning|failed|error
	ReconcileDrift      prometheus.Gauge
	ReconcileRowsCopied prometheus.Counter
}

// New creates and registers the herdsync collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdsync_sync_cycles_total",
			Help: "Sync cycles by result.",
		}, []string{"result"}),
		MutationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herdsync_mutations_applied_total",
			Help: "Queued mutations confirmed by the remote store.",
		}),
		MutationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herdsync_mutations_failed_total",
			Help: "Mutation attempts that failed and stayed queued.",
		}),
		MutationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herdsync_mutations_dropped_total",
			Help: "Mutations dropped after exhausting the retry ceiling.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herdsync_sync_duration_seconds",
			Help:    "Duration of full sync cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		PullRowsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herdsync_pull_rows_applied_total",
			Help: "Remote rows upserted into the local cache by pulls.",
		}),
		DualWriteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdsync_dualwrite_attempts_total",
			Help: "Dual-write coordinator attempts by operation and result.",
		}, []string{"operation", "result"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdsync_dualwrite_rollbacks_total",
			Help: "Best-effort rollbacks of the succeeding target by result.",
		}, []string{"result"}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdsync_reconcile_runs_total",
			Help: "Reconciliation sweeps by classification.",
		}, []string{"status"}),
		ReconcileDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herdsync_reconcile_discrepancies",
			Help: "Discrepancies found by the most recent reconciliation sweep.",
		}),
		ReconcileRowsCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herdsync_reconcile_rows_copied_total",
			Help: "Rows copied between targets while healing discrepancies.",
		}),
	}

	reg.MustRegister(
		m.SyncCycles, m.MutationsApplied, m.MutationsFailed, m.MutationsDropped,
		m.SyncDuration, m.PullRowsApplied, m.DualWriteAttempts, m.Rollbacks,
		m.ReconcileRuns, m.ReconcileDrift, m.ReconcileRowsCopied,
	)
	return m
}

// NewUnregistered returns collectors bound to a private registry.
// Used by tests and one-shot CLI commands.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
