package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pasturetech/herdsync/internal/types"
)

const insertMutationSQL = `
	INSERT INTO mutation_queue (id, tenant_id, table_name, operation, record_id, payload, created_at, retry_count)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0)`

// enqueueMutation appends an outbox entry inside the caller's transaction.
// Every local write enqueues a fresh entry; entries are never merged, so
// replaying them in order yields last-write-wins remotely.
func enqueueMutation(ctx context.Context, tx *sql.Tx, tenantID string, table types.Table, op types.Operation, recordID string, payload []byte, at time.Time) error {
	var payloadArg any
	if len(payload) > 0 {
		payloadArg = string(payload)
	}
	_, err := tx.ExecContext(ctx, insertMutationSQL,
		ulid.Make().String(), tenantID, table, op, recordID,
		payloadArg, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s mutation: %w", op, err)
	}
	return nil
}

// PendingMutations returns all queued mutations for a tenant in enqueue order.
func (s *Store) PendingMutations(ctx context.Context, tenantID string) ([]types.Mutation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, tenant_id, table_name, operation, record_id, payload, created_at, retry_count
		FROM mutation_queue
		WHERE tenant_id = ?
		ORDER BY seq ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query mutation queue: %w", err)
	}
	defer rows.Close()

	muts := make([]types.Mutation, 0)
	for rows.Next() {
		var m types.Mutation
		var payload sql.NullString
		var createdAt string

		if err := rows.Scan(&m.Seq, &m.ID, &m.TenantID, &m.Table, &m.Operation,
			&m.RecordID, &payload, &createdAt, &m.RetryCount); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}

		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		muts = append(muts, m)
	}
	return muts, rows.Err()
}

// PendingCount returns the number of queued mutations for a tenant.
func (s *Store) PendingCount(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue WHERE tenant_id = ?`, tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending mutations: %w", err)
	}
	return count, nil
}

// RemoveMutation deletes a queue entry after its remote write is confirmed,
// or after it exhausts its retry budget.
func (s *Store) RemoveMutation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove mutation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMutationNotFound
	}
	return nil
}

// IncrementRetry bumps a mutation's retry count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE mutation_queue SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrMutationNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT retry_count FROM mutation_queue WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return count, nil
}
