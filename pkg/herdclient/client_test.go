package herdclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pasturetech/herdsync/internal/syncengine"
	"github.com/pasturetech/herdsync/internal/types"
)

type recordingSyncer struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSyncer) FullSync(ctx context.Context, tenantID string) (*syncengine.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, tenantID)
	return &syncengine.Report{TenantID: tenantID}, nil
}

func (s *recordingSyncer) synced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestClient(t *testing.T, syncer Syncer) *Client {
	t.Helper()
	c, err := New(Config{
		LocalPath: filepath.Join(t.TempDir(), "cache.db"),
		TenantID:  "farm-1",
		Syncer:    syncer,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_RequiresPathAndTenant(t *testing.T) {
	if _, err := New(Config{TenantID: "farm-1"}); err == nil {
		t.Error("missing LocalPath accepted")
	}
	if _, err := New(Config{LocalPath: "x.db"}); err == nil {
		t.Error("missing TenantID accepted")
	}
}

func TestClient_OfflineCaptureAndStatus(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	id, err := c.Add(ctx, types.TableAnimals, []byte(`{"tag_number":"NL-42","status":"active"}`))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Update(ctx, types.TableAnimals, id, []byte(`{"name":"Berta"}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	records, err := c.List(ctx, types.TableAnimals)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PendingMutations != 2 {
		t.Errorf("pending = %d, want create+update queued", status.PendingMutations)
	}

	if err := c.Delete(ctx, types.TableAnimals, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	records, _ = c.List(ctx, types.TableAnimals)
	if len(records) != 0 {
		t.Error("deleted record still listed")
	}
}

func TestClient_SyncWithoutSyncerFails(t *testing.T) {
	c := newTestClient(t, nil)
	if _, err := c.Sync(context.Background()); err == nil {
		t.Error("Sync without syncer must fail")
	}
}

func TestClient_SyncDelegatesToSyncer(t *testing.T) {
	syncer := &recordingSyncer{}
	c := newTestClient(t, syncer)

	report, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.TenantID != "farm-1" {
		t.Errorf("report tenant = %s", report.TenantID)
	}
	if got := syncer.synced(); len(got) != 1 || got[0] != "farm-1" {
		t.Errorf("synced = %v", got)
	}
}

func TestClient_ClosedRejectsOperations(t *testing.T) {
	c := newTestClient(t, nil)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := c.Add(context.Background(), types.TableAnimals, []byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Add after close = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want idempotent nil", err)
	}
}
