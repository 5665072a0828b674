// Package localstore is the embedded, tenant-scoped cache the application
// writes to first. Every write lands here together with an outbox entry in
// one transaction; the sync engine is the only component that clears outbox
// entries or flips a record to synced.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/pasturetech/herdsync/internal/types"
)

// Store is the SQLite-backed local cache plus mutation outbox.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the cache database at dbPath.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetAll returns every non-deleted cached record for a tenant and table, in
// storage order. Unsynced records are included; the cache is the user's only
// copy while offline.
func (s *Store) GetAll(ctx context.Context, tenantID string, table types.Table) ([]types.CachedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, table_name, payload, synced, last_modified, deleted
		FROM cached_records
		WHERE tenant_id = ? AND table_name = ? AND deleted = 0
		ORDER BY rowid ASC
	`, tenantID, table)
	if err != nil {
		return nil, fmt.Errorf("query cached records: %w", err)
	}
	defer rows.Close()

	records := make([]types.CachedRecord, 0)
	for rows.Next() {
		rec, err := scanCachedRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Get returns a single non-deleted cached record.
func (s *Store) Get(ctx context.Context, tenantID string, table types.Table, id string) (*types.CachedRecord, error) {
	rec, err := s.getAny(ctx, tenantID, table, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}
	return rec, nil
}

// getAny returns a cached record regardless of its soft-delete marker.
func (s *Store) getAny(ctx context.Context, tenantID string, table types.Table, id string) (*types.CachedRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, table_name, payload, synced, last_modified, deleted
		FROM cached_records
		WHERE tenant_id = ? AND table_name = ? AND id = ?
	`, tenantID, table, id)

	rec, err := scanCachedRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Add persists a new record and atomically enqueues its create mutation.
// The assigned id and tenant are stamped into the payload so the remote write
// carries them. Returns the new record id.
func (s *Store) Add(ctx context.Context, tenantID string, table types.Table, payload []byte) (string, error) {
	if !types.ValidTable(table) {
		return "", fmt.Errorf("%w: %q", types.ErrUnknownTable, table)
	}

	now := time.Now().UTC()
	id := ulid.Make().String()

	stamped, err := types.MergePatch(payload, []byte(fmt.Sprintf(
		`{"id":%q,"tenant_id":%q,"updated_at":%q}`, id, tenantID, now.Format(time.RFC3339Nano))))
	if err != nil {
		return "", fmt.Errorf("stamp payload: %w", err)
	}
	if err := types.ValidatePayload(table, stamped); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cached_records (id, tenant_id, table_name, payload, synced, last_modified, deleted)
		VALUES (?, ?, ?, ?, 0, ?, 0)
	`, id, tenantID, table, string(stamped), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert cached record: %w", err)
	}

	if err := enqueueMutation(ctx, tx, tenantID, table, types.OperationCreate, id, stamped, now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return id, nil
}

// Update merges patch into an existing record, resets its synced flag, bumps
// last_modified, and enqueues an update mutation carrying the merged payload.
func (s *Store) Update(ctx context.Context, tenantID string, table types.Table, id string, patch []byte) error {
	now := time.Now().UTC()

	existing, err := s.getAny(ctx, tenantID, table, id)
	if err != nil {
		return err
	}
	if existing.Deleted {
		return ErrDeleted
	}

	merged, err := types.MergePatch(existing.Payload, patch)
	if err != nil {
		return fmt.Errorf("merge patch: %w", err)
	}
	merged, err = types.MergePatch(merged, []byte(fmt.Sprintf(
		`{"updated_at":%q}`, now.Format(time.RFC3339Nano))))
	if err != nil {
		return fmt.Errorf("stamp payload: %w", err)
	}
	if err := types.ValidatePayload(table, merged); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cached_records
		SET payload = ?, synced = 0, last_modified = ?
		WHERE tenant_id = ? AND table_name = ? AND id = ? AND deleted = 0
	`, string(merged), now.Format(time.RFC3339Nano), tenantID, table, id)
	if err != nil {
		return fmt.Errorf("update cached record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := enqueueMutation(ctx, tx, tenantID, table, types.OperationUpdate, id, merged, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Delete soft-marks a record deleted and enqueues a delete mutation. The row
// stays until the remote delete is confirmed, at which point the sync engine
// purges it.
func (s *Store) Delete(ctx context.Context, tenantID string, table types.Table, id string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE cached_records
		SET deleted = 1, synced = 0, last_modified = ?
		WHERE tenant_id = ? AND table_name = ? AND id = ? AND deleted = 0
	`, now.Format(time.RFC3339Nano), tenantID, table, id)
	if err != nil {
		return fmt.Errorf("soft-delete cached record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := enqueueMutation(ctx, tx, tenantID, table, types.OperationDelete, id, nil, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkSynced flips a record to synced after a confirmed remote write.
func (s *Store) MarkSynced(ctx context.Context, tenantID string, table types.Table, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cached_records SET synced = 1
		WHERE tenant_id = ? AND table_name = ? AND id = ?
	`, tenantID, table, id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge physically removes a soft-deleted record once its remote delete is
// confirmed. Purging a live record is refused.
func (s *Store) Purge(ctx context.Context, tenantID string, table types.Table, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cached_records
		WHERE tenant_id = ? AND table_name = ? AND id = ? AND deleted = 1
	`, tenantID, table, id)
	if err != nil {
		return fmt.Errorf("purge cached record: %w", err)
	}
	return nil
}

// ApplyRemote upserts a remote row into the cache using last-writer-wins by
// timestamp. A soft-deleted local record is never resurrected; a local record
// with a newer last_modified is kept. Returns true when the row was applied.
func (s *Store) ApplyRemote(ctx context.Context, table types.Table, row types.RemoteRow) (bool, error) {
	existing, err := s.getAny(ctx, row.TenantID, table, row.ID)
	if err != nil && err != ErrNotFound {
		return false, err
	}
	if existing != nil {
		if existing.Deleted {
			return false, nil
		}
		if !existing.LastModified.Before(row.UpdatedAt) {
			return false, nil
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cached_records (id, tenant_id, table_name, payload, synced, last_modified, deleted)
		VALUES (?, ?, ?, ?, 1, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			synced = 1,
			last_modified = excluded.last_modified,
			deleted = 0
	`, row.ID, row.TenantID, table, string(row.Payload), row.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("apply remote row: %w", err)
	}
	return true, nil
}

// Tenants returns every tenant id known to the cache, from records and from
// sync status rows.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM cached_records
		UNION
		SELECT tenant_id FROM sync_status
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// scanCachedRecord scans a row into a CachedRecord, parsing timestamp columns.
func scanCachedRecord(scanner interface{ Scan(...any) error }) (*types.CachedRecord, error) {
	var rec types.CachedRecord
	var payload string
	var synced, deleted int
	var lastModified string

	err := scanner.Scan(&rec.ID, &rec.TenantID, &rec.Table, &payload, &synced, &lastModified, &deleted)
	if err != nil {
		return nil, err
	}

	rec.Payload = []byte(payload)
	rec.Synced = synced != 0
	rec.Deleted = deleted != 0
	if t, err := time.Parse(time.RFC3339Nano, lastModified); err == nil {
		rec.LastModified = t
	}
	return &rec, nil
}
