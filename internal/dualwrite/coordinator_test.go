package dualwrite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pasturetech/herdsync/internal/flags"
	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/remote/memory"
	"github.com/pasturetech/herdsync/internal/telemetry"
	"github.com/pasturetech/herdsync/internal/types"
)

func fastOptions() Options {
	return Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testRow(id string) types.RemoteRow {
	return types.RemoteRow{
		ID:        id,
		TenantID:  "farm-1",
		Payload:   []byte(`{"id":"` + id + `","tenant_id":"farm-1","tag_number":"NL-3","status":"active"}`),
		UpdatedAt: time.Now().UTC(),
	}
}

func newCoordinator(phase flags.Phase) (*Coordinator, *memory.Store, *memory.Store) {
	legacy := memory.NewStore("legacy")
	primary := memory.NewStore("primary")
	c := NewCoordinator(legacy, primary, flags.NewStatic(phase, false), telemetry.NewUnregistered(), fastOptions())
	return c, legacy, primary
}

func TestCreateRecord_SingleTargetPhases(t *testing.T) {
	ctx := context.Background()

	t.Run("legacy only", func(t *testing.T) {
		c, legacy, primary := newCoordinator(flags.PhaseLegacyOnly)
		res, err := c.CreateRecord(ctx, types.TableAnimals, testRow("a1"))
		if err != nil || !res.Success {
			t.Fatalf("CreateRecord = (%+v, %v)", res, err)
		}
		if n, _ := legacy.Count(ctx, types.TableAnimals, "farm-1"); n != 1 {
			t.Errorf("legacy count = %d, want 1", n)
		}
		if n, _ := primary.Count(ctx, types.TableAnimals, "farm-1"); n != 0 {
			t.Errorf("primary count = %d, want 0", n)
		}
		if len(res.WriteTargets) != 1 || res.WriteTargets[0] != "legacy" {
			t.Errorf("write targets = %v", res.WriteTargets)
		}
	})

	t.Run("primary only", func(t *testing.T) {
		c, legacy, primary := newCoordinator(flags.PhasePrimaryOnly)
		res, err := c.CreateRecord(ctx, types.TableAnimals, testRow("a1"))
		if err != nil || !res.Success {
			t.Fatalf("CreateRecord = (%+v, %v)", res, err)
		}
		if n, _ := legacy.Count(ctx, types.TableAnimals, "farm-1"); n != 0 {
			t.Errorf("legacy count = %d, want 0", n)
		}
		if n, _ := primary.Count(ctx, types.TableAnimals, "farm-1"); n != 1 {
			t.Errorf("primary count = %d, want 1", n)
		}
	})
}

func TestCreateRecord_DualWriteBothSucceed(t *testing.T) {
	ctx := context.Background()
	c, legacy, primary := newCoordinator(flags.PhaseDualWrite)

	res, err := c.CreateRecord(ctx, types.TableAnimals, testRow("a1"))
	if err != nil || !res.Success {
		t.Fatalf("CreateRecord = (%+v, %v)", res, err)
	}
	if res.RolledBack {
		t.Error("no rollback expected")
	}
	for _, s := range []*memory.Store{legacy, primary} {
		if n, _ := s.Count(ctx, types.TableAnimals, "farm-1"); n != 1 {
			t.Errorf("%s count = %d, want 1", s.Name(), n)
		}
	}
}

func TestCreateRecord_DualWritePartialFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	c, legacy, primary := newCoordinator(flags.PhaseDualWrite)

	// Legacy always fails, primary always succeeds: the overall result must be
	// failure and the primary must show no leftover record.
	legacy.FailWith(errors.New("legacy datastore unavailable"))

	res, err := c.CreateRecord(ctx, types.TableAnimals, testRow("a1"))
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected ErrWriteFailed, got %v", err)
	}
	if res.Success {
		t.Error("partial dual-write must not report success")
	}
	if !res.RolledBack {
		t.Error("succeeding side should have been rolled back")
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if len(res.Errors) == 0 {
		t.Error("error list empty")
	}

	if n, _ := primary.Count(ctx, types.TableAnimals, "farm-1"); n != 0 {
		t.Errorf("primary row count = %d, rollback did not remove the record", n)
	}
}

func TestCreateRecord_ReplayKeepsPreexistingRowOnRollback(t *testing.T) {
	ctx := context.Background()
	c, legacy, primary := newCoordinator(flags.PhaseDualWrite)

	// The row already landed on the primary during an earlier attempt of the
	// same mutation. When the replay fails on the legacy side, the rollback
	// must leave the pre-existing primary row alone.
	row := testRow("a1")
	if err := primary.Insert(ctx, types.TableAnimals, row); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	legacy.FailWith(errors.New("legacy datastore unavailable"))

	res, err := c.CreateRecord(ctx, types.TableAnimals, row)
	if !errors.Is(err, ErrWriteFailed) || res.Success {
		t.Fatalf("CreateRecord = (%+v, %v), want failure", res, err)
	}

	got, err := primary.Get(ctx, types.TableAnimals, "farm-1", "a1")
	if err != nil {
		t.Fatalf("pre-existing primary row deleted by rollback: %v", err)
	}
	if string(got.Payload) != string(row.Payload) {
		t.Errorf("primary payload = %s, want untouched row", got.Payload)
	}
}

// flaky fails the first n mutating calls, then recovers.
type flaky struct {
	*memory.Store
	mu        sync.Mutex
	failures  int
	remaining int
}

func (f *flaky) Insert(ctx context.Context, table types.Table, row types.RemoteRow) error {
	f.mu.Lock()
	if f.remaining > 0 {
		f.remaining--
		f.failures++
		f.mu.Unlock()
		return errors.New("transient write failure")
	}
	f.mu.Unlock()
	return f.Store.Insert(ctx, table, row)
}

func TestCreateRecord_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	legacy := &flaky{Store: memory.NewStore("legacy"), remaining: 2}
	primary := memory.NewStore("primary")
	c := NewCoordinator(legacy, primary, flags.NewStatic(flags.PhaseDualWrite, false),
		telemetry.NewUnregistered(), fastOptions())

	res, err := c.CreateRecord(ctx, types.TableAnimals, testRow("a1"))
	if err != nil || !res.Success {
		t.Fatalf("CreateRecord = (%+v, %v)", res, err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if n, _ := legacy.Count(ctx, types.TableAnimals, "farm-1"); n != 1 {
		t.Errorf("legacy count = %d after recovery", n)
	}
}

func TestUpdateRecord_RollbackRestoresPriorRow(t *testing.T) {
	ctx := context.Background()
	c, legacy, primary := newCoordinator(flags.PhaseDualWrite)

	original := testRow("a1")
	if _, err := c.CreateRecord(ctx, types.TableAnimals, original); err != nil {
		t.Fatalf("seed create: %v", err)
	}

	legacy.FailWith(errors.New("legacy datastore unavailable"))

	updated := original
	updated.Payload = []byte(`{"id":"a1","tenant_id":"farm-1","tag_number":"CHANGED","status":"active"}`)
	updated.UpdatedAt = original.UpdatedAt.Add(time.Minute)

	res, err := c.UpdateRecord(ctx, types.TableAnimals, updated)
	if !errors.Is(err, ErrWriteFailed) || res.Success {
		t.Fatalf("UpdateRecord = (%+v, %v), want failure", res, err)
	}

	got, err := primary.Get(ctx, types.TableAnimals, "farm-1", "a1")
	if err != nil {
		t.Fatalf("Get after rollback: %v", err)
	}
	if string(got.Payload) != string(original.Payload) {
		t.Errorf("primary payload = %s, rollback did not restore prior row", got.Payload)
	}
}

func TestDeleteRecord_MissingRowIsIdempotentSuccess(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newCoordinator(flags.PhaseDualWrite)

	res, err := c.DeleteRecord(ctx, types.TableAnimals, "farm-1", "never-created")
	if err != nil || !res.Success {
		t.Fatalf("DeleteRecord = (%+v, %v), replayed delete should succeed", res, err)
	}
}

func TestDeleteRecord_RollbackReinsertsRow(t *testing.T) {
	ctx := context.Background()
	c, legacy, primary := newCoordinator(flags.PhaseDualWrite)

	row := testRow("a1")
	if _, err := c.CreateRecord(ctx, types.TableAnimals, row); err != nil {
		t.Fatalf("seed create: %v", err)
	}

	legacy.FailWith(errors.New("legacy datastore unavailable"))

	res, err := c.DeleteRecord(ctx, types.TableAnimals, "farm-1", "a1")
	if !errors.Is(err, ErrWriteFailed) || res.Success {
		t.Fatalf("DeleteRecord = (%+v, %v), want failure", res, err)
	}

	if _, err := primary.Get(ctx, types.TableAnimals, "farm-1", "a1"); err != nil {
		t.Errorf("primary row missing after rollback: %v", err)
	}
}

func TestReader_RoutedBySingleFlag(t *testing.T) {
	legacy := memory.NewStore("legacy")
	primary := memory.NewStore("primary")
	provider := flags.NewStatic(flags.PhaseDualWrite, false)
	c := NewCoordinator(legacy, primary, provider, telemetry.NewUnregistered(), fastOptions())

	if got := c.Reader(); got != remote.RowStore(legacy) {
		t.Errorf("Reader() = %s, want legacy", got.Name())
	}
	provider.SetReadFromPrimary(true)
	if got := c.Reader(); got != remote.RowStore(primary) {
		t.Errorf("Reader() = %s, want primary", got.Name())
	}
}
