// Package memory provides an in-memory remote.RowStore. It backs unit tests
// and local development where neither remote target is reachable.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/types"
)

type rowKey struct {
	table    types.Table
	tenantID string
	id       string
}

// Store is a thread-safe in-memory row store.
type Store struct {
	name string

	mu   sync.Mutex
	rows map[rowKey]types.RemoteRow

	// failNext, when set, makes every call fail until cleared.
	failNext error
}

var _ remote.RowStore = (*Store)(nil)

// NewStore creates an empty store identified by name.
func NewStore(name string) *Store {
	return &Store{
		name: name,
		rows: make(map[rowKey]types.RemoteRow),
	}
}

// Name identifies this target in logs and results.
func (s *Store) Name() string { return s.name }

// FailWith makes subsequent calls fail with err; nil restores normal behavior.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) Insert(ctx context.Context, table types.Table, row types.RemoteRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return s.failNext
	}
	k := rowKey{table, row.TenantID, row.ID}
	if _, ok := s.rows[k]; ok {
		return fmt.Errorf("%w: %s/%s", remote.ErrDuplicate, table, row.ID)
	}
	s.rows[k] = row
	return nil
}

func (s *Store) Update(ctx context.Context, table types.Table, row types.RemoteRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return s.failNext
	}
	k := rowKey{table, row.TenantID, row.ID}
	if _, ok := s.rows[k]; !ok {
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, row.ID)
	}
	s.rows[k] = row
	return nil
}

func (s *Store) Delete(ctx context.Context, table types.Table, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return s.failNext
	}
	k := rowKey{table, tenantID, id}
	if _, ok := s.rows[k]; !ok {
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, id)
	}
	delete(s.rows, k)
	return nil
}

func (s *Store) Get(ctx context.Context, table types.Table, tenantID, id string) (*types.RemoteRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return nil, s.failNext
	}
	row, ok := s.rows[rowKey{table, tenantID, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, id)
	}
	cp := row
	return &cp, nil
}

func (s *Store) List(ctx context.Context, table types.Table, tenantID string, since time.Time) ([]types.RemoteRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return nil, s.failNext
	}
	out := make([]types.RemoteRow, 0)
	for k, row := range s.rows {
		if k.table != table || k.tenantID != tenantID {
			continue
		}
		if !since.IsZero() && row.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Count(ctx context.Context, table types.Table, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return 0, s.failNext
	}
	var n int64
	for k := range s.rows {
		if k.table == table && k.tenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		return s.failNext
	}
	return nil
}
