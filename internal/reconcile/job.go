// Package reconcile compares row counts between the legacy and primary
// stores, classifies the drift, and optionally heals it by copying rows the
// lower side is missing. Reports are kept for the admin API and archived to
// S3-compatible storage when configured.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/telemetry"
	"github.com/pasturetech/herdsync/internal/types"
)

// Status classifies a reconciliation sweep by how many tenant/table pairs
// disagree. The size of each count difference is reported but does not enter
// the classification.
type Status string

const (
	// StatusPassed means the stores agree on every table.
	StatusPassed Status = "PASSED"
	// StatusWarning means a few pairs disagree, tolerable between sweeps.
	StatusWarning Status = "WARNING"
	// StatusFailed means enough pairs disagree to need an operator.
	StatusFailed Status = "FAILED"
)

const warningDiscrepancyCeiling = 10

// classify maps the discrepancy count to a status. No discrepancies passes,
// up to the warning ceiling warns, anything beyond fails.
func classify(discrepancies int) Status {
	switch {
	case discrepancies == 0:
		return StatusPassed
	case discrepancies <= warningDiscrepancyCeiling:
		return StatusWarning
	default:
		return StatusFailed
	}
}

// Discrepancy is one tenant/table pair where the stores disagree.
type Discrepancy struct {
	TenantID     string      `json:"tenantId"`
	Table        types.Table `json:"table"`
	LegacyCount  int64       `json:"legacyCount"`
	PrimaryCount int64       `json:"primaryCount"`
	Delta        int64       `json:"delta"`
}

// Report is the outcome of one reconciliation sweep. Errors lists tenant or
// table checks that could not be completed; they do not fail the sweep.
type Report struct {
	ID            string        `json:"id"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    time.Time     `json:"finishedAt"`
	Status        Status        `json:"status"`
	TenantsSwept  int           `json:"tenantsSwept"`
	TotalDrift    int64         `json:"totalDrift"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	RowsCopied    int64         `json:"rowsCopied"`
	Heuristic     bool          `json:"heuristic,omitempty"`
	Errors        []string      `json:"errors,omitempty"`
}

// TenantSource enumerates the tenants to sweep. Implemented by
// localstore.Store.
type TenantSource interface {
	Tenants(ctx context.Context) ([]string, error)
}

// Job runs reconciliation sweeps over both remote stores.
type Job struct {
	legacy  remote.RowStore
	primary remote.RowStore
	tenants TenantSource
	metrics *telemetry.Metrics
	heal    bool
}

// NewJob creates a reconciliation job. When heal is true, discrepancies are
// repaired by copying rows from the store with more of them.
func NewJob(legacy, primary remote.RowStore, tenants TenantSource, metrics *telemetry.Metrics, heal bool) *Job {
	return &Job{
		legacy:  legacy,
		primary: primary,
		tenants: tenants,
		metrics: metrics,
		heal:    heal,
	}
}

// Run executes one sweep across every tenant and table. Individual count
// failures are recorded on the report and the sweep continues; only a failure
// to enumerate tenants aborts it.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		ID:        ulid.Make().String(),
		StartedAt: time.Now().UTC(),
	}

	tenants, err := j.tenants.Tenants(ctx)
	if err != nil {
		j.metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	report.TenantsSwept = len(tenants)

	for _, tenant := range tenants {
		for _, table := range types.SyncedTables {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			j.checkPair(ctx, tenant, table, report)
		}
	}

	report.TotalDrift = totalDrift(report.Discrepancies)

	if j.heal && len(report.Discrepancies) > 0 {
		report.Heuristic = true
		for _, d := range report.Discrepancies {
			copied, err := j.healPair(ctx, d)
			report.RowsCopied += copied
			if err != nil {
				report.Errors = append(report.Errors,
					fmt.Sprintf("heal %s/%s: %v", d.TenantID, d.Table, err))
			}
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.Status = classify(len(report.Discrepancies))

	j.metrics.ReconcileDrift.Set(float64(report.TotalDrift))
	j.metrics.ReconcileRuns.WithLabelValues(statusLabel(report.Status)).Inc()

	slog.Info("reconciliation sweep completed",
		"component", "reconcile",
		"report_id", report.ID,
		"status", report.Status,
		"tenants", report.TenantsSwept,
		"drift", report.TotalDrift,
		"discrepancies", len(report.Discrepancies),
		"rows_copied", report.RowsCopied,
		"errors", len(report.Errors),
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	return report, nil
}

// checkPair counts one tenant/table pair on both stores and records any
// mismatch.
func (j *Job) checkPair(ctx context.Context, tenant string, table types.Table, report *Report) {
	legacyCount, err := j.legacy.Count(ctx, table, tenant)
	if err != nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("count %s/%s on %s: %v", tenant, table, j.legacy.Name(), err))
		return
	}
	primaryCount, err := j.primary.Count(ctx, table, tenant)
	if err != nil {
		report.Errors = append(report.Errors,
			fmt.Sprintf("count %s/%s on %s: %v", tenant, table, j.primary.Name(), err))
		return
	}
	if legacyCount == primaryCount {
		return
	}
	report.Discrepancies = append(report.Discrepancies, Discrepancy{
		TenantID:     tenant,
		Table:        table,
		LegacyCount:  legacyCount,
		PrimaryCount: primaryCount,
		Delta:        legacyCount - primaryCount,
	})
}

// healPair copies rows from the store holding more of them to the one
// holding fewer. The copy is additive, keyed by row id, and never deletes;
// a row edited on both sides is left to last-write-wins on the next sync.
func (j *Job) healPair(ctx context.Context, d Discrepancy) (int64, error) {
	source, target := j.legacy, j.primary
	if d.PrimaryCount > d.LegacyCount {
		source, target = j.primary, j.legacy
	}

	rows, err := source.List(ctx, d.Table, d.TenantID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("list from %s: %w", source.Name(), err)
	}

	var copied int64
	for _, row := range rows {
		if ctx.Err() != nil {
			return copied, ctx.Err()
		}
		_, err := target.Get(ctx, d.Table, d.TenantID, row.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, remote.ErrNotFound) {
			return copied, fmt.Errorf("probe %s on %s: %w", row.ID, target.Name(), err)
		}
		if err := target.Insert(ctx, d.Table, row); err != nil {
			return copied, fmt.Errorf("copy %s to %s: %w", row.ID, target.Name(), err)
		}
		copied++
		j.metrics.ReconcileRowsCopied.Inc()
	}

	slog.Info("healed discrepancy",
		"component", "reconcile",
		"tenant", d.TenantID,
		"table", d.Table,
		"source", source.Name(),
		"target", target.Name(),
		"rows_copied", copied,
	)
	return copied, nil
}

func totalDrift(discrepancies []Discrepancy) int64 {
	var total int64
	for _, d := range discrepancies {
		delta := d.Delta
		if delta < 0 {
			delta = -delta
		}
		total += delta
	}
	return total
}

func statusLabel(s Status) string {
	switch s {
	case StatusPassed:
		return "passed"
	case StatusWarning:
		return "warning"
	default:
		return "failed"
	}
}
