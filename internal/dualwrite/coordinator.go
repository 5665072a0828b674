// Package dualwrite routes every remote write through the active migration
// phase. In dual-write mode a write succeeds only when both targets succeed;
// when exactly one side fails, the side that succeeded is rolled back
// best-effort and the operation reports failure. Reads are never
// dual-sourced: a single flag picks the read target.
package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pasturetech/herdsync/internal/flags"
	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/telemetry"
	"github.com/pasturetech/herdsync/internal/types"
)

// ErrWriteFailed is returned when an operation is permanently failed after
// exhausting its retry budget.
var ErrWriteFailed = errors.New("remote write failed")

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
)

// Options tune the retry wrapper around whole operations.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Result is the ephemeral outcome of one coordinated write. It is not
// persisted; callers only need the aggregate success plus the error list.
type Result struct {
	Success      bool
	WriteTargets []string
	Errors       []string
	RolledBack   bool
	Attempts     int
}

// Coordinator fans writes out to the active targets.
type Coordinator struct {
	legacy  remote.RowStore
	primary remote.RowStore
	flags   flags.Provider
	metrics *telemetry.Metrics

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewCoordinator creates a coordinator over the two migration targets.
func NewCoordinator(legacy, primary remote.RowStore, provider flags.Provider, metrics *telemetry.Metrics, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	return &Coordinator{
		legacy:      legacy,
		primary:     primary,
		flags:       provider,
		metrics:     metrics,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
	}
}

// Legacy returns the legacy-side target.
func (c *Coordinator) Legacy() remote.RowStore { return c.legacy }

// Primary returns the migration destination target.
func (c *Coordinator) Primary() remote.RowStore { return c.primary }

// Reader returns the single store reads are routed to. The read source is
// independent of the write targets so reads never split across stores.
func (c *Coordinator) Reader() remote.RowStore {
	if c.flags.Current().ReadFromPrimary {
		return c.primary
	}
	return c.legacy
}

// CreateRecord writes a new row to every active target. A duplicate-row
// response from an individual target is treated as success: the row is
// already there from an earlier replay of the same mutation.
func (c *Coordinator) CreateRecord(ctx context.Context, table types.Table, row types.RemoteRow) (*Result, error) {
	apply := func(ctx context.Context, t remote.RowStore) error {
		err := t.Insert(ctx, table, row)
		if errors.Is(err, remote.ErrDuplicate) {
			return nil
		}
		return err
	}
	prepare := func(ctx context.Context, t remote.RowStore) func(context.Context) error {
		// A replayed create must never delete a row it did not insert. If the
		// row already exists on this target the rollback is a no-op.
		if _, err := t.Get(ctx, table, row.TenantID, row.ID); err == nil || !errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return func(ctx context.Context) error {
			return t.Delete(ctx, table, row.TenantID, row.ID)
		}
	}
	return c.run(ctx, "create", table, row.TenantID, row.ID, apply, prepare)
}

// UpdateRecord replaces a row on every active target. Rollback restores the
// row captured from the target before the write.
func (c *Coordinator) UpdateRecord(ctx context.Context, table types.Table, row types.RemoteRow) (*Result, error) {
	apply := func(ctx context.Context, t remote.RowStore) error {
		return t.Update(ctx, table, row)
	}
	prepare := func(ctx context.Context, t remote.RowStore) func(context.Context) error {
		prior, err := t.Get(ctx, table, row.TenantID, row.ID)
		if err != nil {
			// Nothing to restore; rollback becomes a no-op for this target.
			return nil
		}
		return func(ctx context.Context) error {
			return t.Update(ctx, table, *prior)
		}
	}
	return c.run(ctx, "update", table, row.TenantID, row.ID, apply, prepare)
}

// DeleteRecord removes a row from every active target. A missing row on an
// individual target is treated as success: deletes replayed from the queue
// are expected to race an earlier confirmed attempt. Rollback re-inserts the
// row captured before the delete.
func (c *Coordinator) DeleteRecord(ctx context.Context, table types.Table, tenantID, id string) (*Result, error) {
	apply := func(ctx context.Context, t remote.RowStore) error {
		err := t.Delete(ctx, table, tenantID, id)
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return err
	}
	prepare := func(ctx context.Context, t remote.RowStore) func(context.Context) error {
		prior, err := t.Get(ctx, table, tenantID, id)
		if err != nil {
			return nil
		}
		return func(ctx context.Context) error {
			return t.Insert(ctx, table, *prior)
		}
	}
	return c.run(ctx, "delete", table, tenantID, id, apply, prepare)
}

// run wraps one attempt function in the bounded exponential-backoff retry
// loop. Every attempt, success or final failure, is logged with its attempt
// count and duration for audit.
func (c *Coordinator) run(
	ctx context.Context,
	op string,
	table types.Table,
	tenantID, recordID string,
	apply func(context.Context, remote.RowStore) error,
	prepare func(context.Context, remote.RowStore) func(context.Context) error,
) (*Result, error) {
	start := time.Now()
	res := &Result{}
	attempts := 0

	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1),
		retry.WithCappedDuration(c.maxDelay, retry.NewExponential(c.baseDelay)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		out := c.attempt(ctx, op, table, apply, prepare)
		out.Attempts = attempts
		*res = *out

		slog.Info("dual-write attempt",
			"component", "dualwrite",
			"operation", op,
			"table", table,
			"tenant", tenantID,
			"record_id", recordID,
			"targets", strings.Join(out.WriteTargets, ","),
			"attempt", attempts,
			"success", out.Success,
			"duration_ms", time.Since(start).Milliseconds(),
		)

		if out.Success {
			return nil
		}
		return retry.RetryableError(fmt.Errorf("%s %s: %s", op, table, strings.Join(out.Errors, "; ")))
	})

	duration := time.Since(start)
	if err != nil && !res.Success {
		c.metrics.DualWriteAttempts.WithLabelValues(op, "failure").Inc()
		slog.Error("dual-write permanently failed",
			"component", "dualwrite",
			"operation", op,
			"table", table,
			"tenant", tenantID,
			"record_id", recordID,
			"attempts", attempts,
			"duration_ms", duration.Milliseconds(),
			"errors", strings.Join(res.Errors, "; "),
		)
		return res, fmt.Errorf("%w: %s %s after %d attempts", ErrWriteFailed, op, table, attempts)
	}

	c.metrics.DualWriteAttempts.WithLabelValues(op, "success").Inc()
	return res, nil
}

// attempt issues the write to each active target independently, then applies
// the all-or-nothing decision rule for dual-write mode.
func (c *Coordinator) attempt(
	ctx context.Context,
	op string,
	table types.Table,
	apply func(context.Context, remote.RowStore) error,
	prepare func(context.Context, remote.RowStore) func(context.Context) error,
) *Result {
	sw := c.flags.Current()
	res := &Result{}

	var targets []remote.RowStore
	if sw.WriteToLegacy {
		targets = append(targets, c.legacy)
	}
	if sw.WriteToPrimary {
		targets = append(targets, c.primary)
	}
	if len(targets) == 0 {
		res.Errors = append(res.Errors, "no write targets active")
		return res
	}

	type outcome struct {
		target   remote.RowStore
		rollback func(context.Context) error
		err      error
	}

	outcomes := make([]outcome, 0, len(targets))
	failed := 0
	for _, t := range targets {
		res.WriteTargets = append(res.WriteTargets, t.Name())

		var rollback func(context.Context) error
		if sw.EnableDualWrite {
			// Captured before the write so a later rollback can restore it.
			rollback = prepare(ctx, t)
		}

		err := apply(ctx, t)
		if err != nil {
			failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", t.Name(), err))
		}
		outcomes = append(outcomes, outcome{target: t, rollback: rollback, err: err})
	}

	if !sw.EnableDualWrite {
		res.Success = failed == 0
		return res
	}

	switch failed {
	case 0:
		res.Success = true
	case 1:
		// Consistency violation: undo the side that succeeded. Best-effort;
		// a failed rollback is left for reconciliation to surface.
		for _, o := range outcomes {
			if o.err != nil {
				continue
			}
			res.RolledBack = true
			if o.rollback == nil {
				continue
			}
			if rbErr := o.rollback(ctx); rbErr != nil {
				c.metrics.Rollbacks.WithLabelValues("failure").Inc()
				slog.Error("dual-write rollback failed",
					"component", "dualwrite",
					"operation", op,
					"table", table,
					"target", o.target.Name(),
					"error", rbErr,
				)
			} else {
				c.metrics.Rollbacks.WithLabelValues("success").Inc()
			}
		}
	default:
		// Both failed; nothing to roll back.
	}
	return res
}
