package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pasturetech/herdsync/internal/types"
)

// SyncStatus returns the per-tenant sync status row, creating it on first
// access. PendingMutations is computed at read time from the outbox.
func (s *Store) SyncStatus(ctx context.Context, tenantID string) (*types.SyncStatus, error) {
	if err := s.ensureStatusRow(ctx, tenantID); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, last_sync, is_online, sync_in_progress, started_at
		FROM sync_status WHERE tenant_id = ?
	`, tenantID)

	var st types.SyncStatus
	var lastSync, startedAt sql.NullString
	var online, inProgress int
	if err := row.Scan(&st.TenantID, &lastSync, &online, &inProgress, &startedAt); err != nil {
		return nil, fmt.Errorf("scan sync status: %w", err)
	}
	st.IsOnline = online != 0
	st.SyncInProgress = inProgress != 0
	if lastSync.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSync.String); err == nil {
			st.LastSync = t
		}
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			st.StartedAt = t
		}
	}

	pending, err := s.PendingCount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st.PendingMutations = pending
	return &st, nil
}

// TryBeginSync sets the persisted sync-in-progress flag for a tenant and
// returns true when this caller won it. A flag held longer than lease is
// treated as abandoned (crashed process) and reclaimed. The check-then-set is
// transactional within this process; across processes the flag stays advisory.
func (s *Store) TryBeginSync(ctx context.Context, tenantID string, lease time.Duration) (bool, error) {
	if err := s.ensureStatusRow(ctx, tenantID); err != nil {
		return false, err
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var inProgress int
	var startedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT sync_in_progress, started_at FROM sync_status WHERE tenant_id = ?`,
		tenantID).Scan(&inProgress, &startedAt)
	if err != nil {
		return false, fmt.Errorf("read sync flag: %w", err)
	}

	if inProgress != 0 {
		stale := true
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
				stale = now.Sub(t) >= lease
			}
		}
		if !stale {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_status SET sync_in_progress = 1, started_at = ?
		WHERE tenant_id = ?
	`, now.Format(time.RFC3339Nano), tenantID)
	if err != nil {
		return false, fmt.Errorf("set sync flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// FinishSync clears the sync-in-progress flag and records the cycle end.
func (s *Store) FinishSync(ctx context.Context, tenantID string, lastSync time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_status SET sync_in_progress = 0, started_at = NULL, last_sync = ?
		WHERE tenant_id = ?
	`, lastSync.UTC().Format(time.RFC3339Nano), tenantID)
	if err != nil {
		return fmt.Errorf("finish sync: %w", err)
	}
	return nil
}

// SetOnline records the tenant's connectivity state.
func (s *Store) SetOnline(ctx context.Context, tenantID string, online bool) error {
	if err := s.ensureStatusRow(ctx, tenantID); err != nil {
		return err
	}
	v := 0
	if online {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_status SET is_online = ? WHERE tenant_id = ?`, v, tenantID)
	if err != nil {
		return fmt.Errorf("set online flag: %w", err)
	}
	return nil
}

func (s *Store) ensureStatusRow(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_status (tenant_id) VALUES (?)`, tenantID)
	if err != nil {
		return fmt.Errorf("ensure sync status row: %w", err)
	}
	return nil
}
