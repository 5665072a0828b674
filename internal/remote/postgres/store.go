// Package postgres provides the pgx-backed primary target: the database the
// migration is moving toward. Each synced table maps to a relation holding
// the domain payload as JSONB alongside the identity and timestamp columns
// the sync and reconciliation paths filter on.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/types"
)

const driverName = "pgx"

// Store is a remote.RowStore backed by Postgres.
type Store struct {
	db *sql.DB
}

var _ remote.RowStore = (*Store)(nil)

// NewStore opens a Postgres-backed target using the provided DSN, pings it,
// and ensures the row tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection. Used by tests with a stub driver.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name identifies this target in logs and reconciliation reports.
func (s *Store) Name() string { return "primary" }

func ensureTables(ctx context.Context, db *sql.DB) error {
	for _, table := range types.SyncedTables {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, quoteIdent(string(table)))
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, updated_at)`,
			quoteIdent("idx_"+string(table)+"_tenant"), quoteIdent(string(table)))
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("ensure index on %s: %w", table, err)
		}
	}
	return nil
}

// Insert adds a new row. A primary-key collision maps to remote.ErrDuplicate.
func (s *Store) Insert(ctx context.Context, table types.Table, row types.RemoteRow) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, tenant_id, payload, updated_at) VALUES ($1, $2, $3, $4)`,
		quoteIdent(string(table)))
	_, err := s.db.ExecContext(ctx, q, row.ID, row.TenantID, string(row.Payload), row.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", remote.ErrDuplicate, table, row.ID)
		}
		return fmt.Errorf("insert %s row: %w", table, err)
	}
	return nil
}

// Update replaces an existing row's payload.
func (s *Store) Update(ctx context.Context, table types.Table, row types.RemoteRow) error {
	q := fmt.Sprintf(`UPDATE %s SET payload = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4`,
		quoteIdent(string(table)))
	res, err := s.db.ExecContext(ctx, q, string(row.Payload), row.UpdatedAt.UTC(), row.TenantID, row.ID)
	if err != nil {
		return fmt.Errorf("update %s row: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, row.ID)
	}
	return nil
}

// Delete removes a row. Deleting an absent row maps to remote.ErrNotFound.
func (s *Store) Delete(ctx context.Context, table types.Table, tenantID, id string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND id = $2`, quoteIdent(string(table)))
	res, err := s.db.ExecContext(ctx, q, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete %s row: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, id)
	}
	return nil
}

// Get fetches one row.
func (s *Store) Get(ctx context.Context, table types.Table, tenantID, id string) (*types.RemoteRow, error) {
	q := fmt.Sprintf(`SELECT id, tenant_id, payload, updated_at FROM %s WHERE tenant_id = $1 AND id = $2`,
		quoteIdent(string(table)))
	row := s.db.QueryRowContext(ctx, q, tenantID, id)

	rr, err := scanRemoteRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s row: %w", table, err)
	}
	return rr, nil
}

// List returns a tenant's rows modified at or after since, oldest first.
func (s *Store) List(ctx context.Context, table types.Table, tenantID string, since time.Time) ([]types.RemoteRow, error) {
	q := fmt.Sprintf(`
		SELECT id, tenant_id, payload, updated_at FROM %s
		WHERE tenant_id = $1 AND updated_at >= $2
		ORDER BY updated_at ASC`, quoteIdent(string(table)))
	rows, err := s.db.QueryContext(ctx, q, tenantID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list %s rows: %w", table, err)
	}
	defer rows.Close()

	out := make([]types.RemoteRow, 0)
	for rows.Next() {
		rr, err := scanRemoteRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, *rr)
	}
	return out, rows.Err()
}

// Count returns the tenant's row count for a table.
func (s *Store) Count(ctx context.Context, table types.Table, tenantID string) (int64, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE tenant_id = $1`, quoteIdent(string(table)))
	var count int64
	if err := s.db.QueryRowContext(ctx, q, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s rows: %w", table, err)
	}
	return count, nil
}

// Ping reports database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanRemoteRow(scanner interface{ Scan(...any) error }) (*types.RemoteRow, error) {
	var rr types.RemoteRow
	var payload string
	var updatedAt time.Time
	if err := scanner.Scan(&rr.ID, &rr.TenantID, &payload, &updatedAt); err != nil {
		return nil, err
	}
	rr.Payload = []byte(payload)
	rr.UpdatedAt = updatedAt.UTC()
	return &rr, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// quoteIdent quotes a SQL identifier. Table names come from the fixed synced
// set, not user input; quoting guards against future additions.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
