// Package syncengine drains the local mutation queue against the remote
// stores and pulls remote changes back into the cache. One engine serves all
// tenants of a process; each tenant syncs under its own persisted lease so a
// crashed cycle never wedges the tenant permanently.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pasturetech/herdsync/internal/dualwrite"
	"github.com/pasturetech/herdsync/internal/localstore"
	"github.com/pasturetech/herdsync/internal/telemetry"
	"github.com/pasturetech/herdsync/internal/types"
)

// ErrSyncInProgress is returned when a tenant's sync lease is already held.
var ErrSyncInProgress = errors.New("sync already in progress for tenant")

const (
	defaultMaxRetries = 5
	defaultPullWindow = 30 * 24 * time.Hour
	defaultLease      = 5 * time.Minute
)

// Options tunes the engine. Zero values fall back to the defaults above.
type Options struct {
	// MaxRetries is the ceiling after which a queued mutation is dropped.
	MaxRetries int
	// PullWindow bounds how far back remote pulls reach.
	PullWindow time.Duration
	// Lease is how long a persisted in-progress flag blocks other syncs
	// before it is considered abandoned and reclaimed.
	Lease time.Duration
}

// Report summarises one sync cycle for a tenant.
type Report struct {
	TenantID string        `json:"tenantId"`
	Pulled   int           `json:"pulled"`
	Applied  int           `json:"applied"`
	Failed   int           `json:"failed"`
	Dropped  int           `json:"dropped"`
	Duration time.Duration `json:"-"`
}

// Engine pushes queued mutations through the dual-write coordinator and
// applies remote rows to the local cache with last-write-wins semantics.
type Engine struct {
	store      *localstore.Store
	coord      *dualwrite.Coordinator
	metrics    *telemetry.Metrics
	maxRetries int
	pullWindow time.Duration
	lease      time.Duration

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewEngine creates an engine over the local store and coordinator.
func NewEngine(store *localstore.Store, coord *dualwrite.Coordinator, metrics *telemetry.Metrics, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.PullWindow <= 0 {
		opts.PullWindow = defaultPullWindow
	}
	if opts.Lease <= 0 {
		opts.Lease = defaultLease
	}
	return &Engine{
		store:      store,
		coord:      coord,
		metrics:    metrics,
		maxRetries: opts.MaxRetries,
		pullWindow: opts.PullWindow,
		lease:      opts.Lease,
		tenants:    make(map[string]*sync.Mutex),
	}
}

// tenantLock returns the in-process mutex for a tenant, creating it on first
// use. The persisted lease guards against other processes; this guards
// against concurrent goroutines in this one.
func (e *Engine) tenantLock(tenantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.tenants[tenantID]
	if !ok {
		m = &sync.Mutex{}
		e.tenants[tenantID] = m
	}
	return m
}

// FullSync pulls remote changes first, then drains the tenant's mutation
// queue. Pull-before-push lets last-write-wins settle remote edits before
// local ones are pushed on top.
func (e *Engine) FullSync(ctx context.Context, tenantID string) (*Report, error) {
	return e.cycle(ctx, tenantID, true, true)
}

// Sync drains the tenant's mutation queue without pulling. Useful when the
// caller only needs local edits flushed out.
func (e *Engine) Sync(ctx context.Context, tenantID string) (*Report, error) {
	return e.cycle(ctx, tenantID, false, true)
}

// PullLatest refreshes the local cache from the active read target without
// touching the mutation queue.
func (e *Engine) PullLatest(ctx context.Context, tenantID string) (*Report, error) {
	return e.cycle(ctx, tenantID, true, false)
}

// cycle runs one sync pass under the tenant's in-process lock and persisted
// lease. Pull and push are each optional but at least one always runs.
func (e *Engine) cycle(ctx context.Context, tenantID string, doPull, doPush bool) (*Report, error) {
	lock := e.tenantLock(tenantID)
	if !lock.TryLock() {
		e.metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, tenantID)
	}
	defer lock.Unlock()

	acquired, err := e.store.TryBeginSync(ctx, tenantID, e.lease)
	if err != nil {
		e.metrics.SyncCycles.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("acquire sync lease: %w", err)
	}
	if !acquired {
		e.metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return nil, fmt.Errorf("%w: %s", ErrSyncInProgress, tenantID)
	}

	start := time.Now()
	report := &Report{TenantID: tenantID}

	var pullErr, pushErr error
	if doPull {
		report.Pulled, pullErr = e.pull(ctx, tenantID)
	}
	if doPush {
		pushErr = e.push(ctx, tenantID, report)
		if pushErr == nil && report.Failed > 0 {
			pushErr = fmt.Errorf("%d of %d mutations failed for tenant %s",
				report.Failed, report.Failed+report.Applied, tenantID)
		}
	}

	report.Duration = time.Since(start)
	e.metrics.SyncDuration.Observe(report.Duration.Seconds())

	if finErr := e.store.FinishSync(ctx, tenantID, time.Now().UTC()); finErr != nil {
		slog.Error("failed to release sync lease",
			"component", "syncengine",
			"tenant", tenantID,
			"error", finErr,
		)
	}

	if pullErr != nil || pushErr != nil {
		e.metrics.SyncCycles.WithLabelValues("failed").Inc()
		return report, errors.Join(pullErr, pushErr)
	}

	e.metrics.SyncCycles.WithLabelValues("completed").Inc()
	slog.Info("sync cycle completed",
		"component", "syncengine",
		"tenant", tenantID,
		"pulled", report.Pulled,
		"applied", report.Applied,
		"failed", report.Failed,
		"dropped", report.Dropped,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

// pull fetches rows changed inside the pull window from the active read
// target and upserts them into the local cache.
func (e *Engine) pull(ctx context.Context, tenantID string) (int, error) {
	reader := e.coord.Reader()
	since := time.Now().UTC().Add(-e.pullWindow)

	applied := 0
	for _, table := range types.SyncedTables {
		rows, err := reader.List(ctx, table, tenantID, since)
		if err != nil {
			return applied, fmt.Errorf("pull %s from %s: %w", table, reader.Name(), err)
		}
		for _, row := range rows {
			ok, err := e.store.ApplyRemote(ctx, table, row)
			if err != nil {
				return applied, fmt.Errorf("apply remote row %s/%s: %w", table, row.ID, err)
			}
			if ok {
				applied++
				e.metrics.PullRowsApplied.Inc()
			}
		}
	}
	return applied, nil
}

// push drains the tenant's queue in insertion order. A failed mutation stays
// queued with its retry count bumped; once the count reaches the ceiling it
// is dropped so one poisoned row cannot block the queue forever.
func (e *Engine) push(ctx context.Context, tenantID string, report *Report) error {
	mutations, err := e.store.PendingMutations(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load pending mutations: %w", err)
	}

	for _, m := range mutations {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.apply(ctx, m); err != nil {
			report.Failed++
			e.metrics.MutationsFailed.Inc()
			dropped, retryErr := e.recordFailure(ctx, m, err)
			if retryErr != nil {
				return retryErr
			}
			if dropped {
				report.Dropped++
			}
			continue
		}
		if err := e.confirm(ctx, m); err != nil {
			return err
		}
		report.Applied++
		e.metrics.MutationsApplied.Inc()
	}
	return nil
}

// apply dispatches one queued mutation through the dual-write coordinator.
func (e *Engine) apply(ctx context.Context, m types.Mutation) error {
	switch m.Operation {
	case types.OperationCreate:
		_, err := e.coord.CreateRecord(ctx, m.Table, mutationRow(m))
		return err
	case types.OperationUpdate:
		_, err := e.coord.UpdateRecord(ctx, m.Table, mutationRow(m))
		return err
	case types.OperationDelete:
		_, err := e.coord.DeleteRecord(ctx, m.Table, m.TenantID, m.RecordID)
		return err
	}
	return fmt.Errorf("unknown operation %q for mutation %s", m.Operation, m.ID)
}

// confirm removes a pushed mutation and settles the cached row: deletes are
// purged outright, everything else is marked synced.
func (e *Engine) confirm(ctx context.Context, m types.Mutation) error {
	if m.Operation == types.OperationDelete {
		if err := e.store.Purge(ctx, m.TenantID, m.Table, m.RecordID); err != nil {
			return fmt.Errorf("purge %s/%s: %w", m.Table, m.RecordID, err)
		}
	} else {
		err := e.store.MarkSynced(ctx, m.TenantID, m.Table, m.RecordID)
		if err != nil && !errors.Is(err, localstore.ErrNotFound) {
			return fmt.Errorf("mark synced %s/%s: %w", m.Table, m.RecordID, err)
		}
	}
	if err := e.store.RemoveMutation(ctx, m.ID); err != nil {
		return fmt.Errorf("remove mutation %s: %w", m.ID, err)
	}
	return nil
}

// recordFailure bumps the mutation's retry count and drops it at the
// ceiling. Returns whether the mutation was dropped.
func (e *Engine) recordFailure(ctx context.Context, m types.Mutation, cause error) (bool, error) {
	retries, err := e.store.IncrementRetry(ctx, m.ID)
	if err != nil {
		if errors.Is(err, localstore.ErrMutationNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("increment retry for %s: %w", m.ID, err)
	}

	if retries < e.maxRetries {
		slog.Warn("mutation failed, will retry",
			"component", "syncengine",
			"tenant", m.TenantID,
			"mutation_id", m.ID,
			"table", m.Table,
			"operation", m.Operation,
			"retries", retries,
			"max_retries", e.maxRetries,
			"error", cause,
		)
		return false, nil
	}

	if err := e.store.RemoveMutation(ctx, m.ID); err != nil {
		return false, fmt.Errorf("drop mutation %s: %w", m.ID, err)
	}
	e.metrics.MutationsDropped.Inc()
	slog.Error("mutation dropped after exhausting retries",
		"component", "syncengine",
		"tenant", m.TenantID,
		"mutation_id", m.ID,
		"table", m.Table,
		"operation", m.Operation,
		"record_id", m.RecordID,
		"retries", retries,
		"error", cause,
	)
	return true, nil
}

// mutationRow converts a queued mutation into the remote row shape. The
// row timestamp comes from the payload's updated_at stamp so last-write-wins
// compares the moment of the local edit, not the moment of the push.
func mutationRow(m types.Mutation) types.RemoteRow {
	row := types.RemoteRow{
		ID:        m.RecordID,
		TenantID:  m.TenantID,
		Payload:   m.Payload,
		UpdatedAt: m.CreatedAt,
	}
	var stamp struct {
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.Unmarshal(m.Payload, &stamp); err == nil && !stamp.UpdatedAt.IsZero() {
		row.UpdatedAt = stamp.UpdatedAt
	}
	return row
}
