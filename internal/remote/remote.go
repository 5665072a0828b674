// Package remote defines the interface contract both migration targets
// satisfy. The core treats each target as an opaque row store addressed by
// table name and row id, always tenant scoped.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/pasturetech/herdsync/internal/types"
)

var (
	// ErrNotFound is returned when a row does not exist in the target.
	ErrNotFound = errors.New("remote row not found")

	// ErrDuplicate is returned when a create collides with an existing row id.
	ErrDuplicate = errors.New("remote row already exists")
)

// RowStore is the table-level contract of a remote database target.
type RowStore interface {
	// Name identifies the target in logs, results, and reports.
	Name() string

	Insert(ctx context.Context, table types.Table, row types.RemoteRow) error
	Update(ctx context.Context, table types.Table, row types.RemoteRow) error
	Delete(ctx context.Context, table types.Table, tenantID, id string) error
	Get(ctx context.Context, table types.Table, tenantID, id string) (*types.RemoteRow, error)

	// List returns rows for a tenant modified at or after since.
	// A zero since returns all rows.
	List(ctx context.Context, table types.Table, tenantID string, since time.Time) ([]types.RemoteRow, error)

	// Count returns the tenant's row count, used by reconciliation.
	Count(ctx context.Context, table types.Table, tenantID string) (int64, error)

	// Ping reports target reachability; the connectivity watcher probes it.
	Ping(ctx context.Context) error
}
