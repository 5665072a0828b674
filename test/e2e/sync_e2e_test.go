// Package e2e wires the full stack in process: local cache, dual-write
// coordinator, sync engine, reconciliation, and the admin API over HTTP.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pasturetech/herdsync/internal/api"
	"github.com/pasturetech/herdsync/internal/dualwrite"
	"github.com/pasturetech/herdsync/internal/flags"
	"github.com/pasturetech/herdsync/internal/localstore"
	"github.com/pasturetech/herdsync/internal/reconcile"
	"github.com/pasturetech/herdsync/internal/remote/memory"
	"github.com/pasturetech/herdsync/internal/syncengine"
	"github.com/pasturetech/herdsync/internal/telemetry"
	"github.com/pasturetech/herdsync/internal/types"
)

const apiKey = "e2e-api-key"

type stack struct {
	store    *localstore.Store
	legacy   *memory.Store
	primary  *memory.Store
	flags    *flags.Static
	engine   *syncengine.Engine
	runner   *reconcile.Runner
	server   *httptest.Server
	registry *prometheus.Registry
}

func newStack(t *testing.T, phase flags.Phase) *stack {
	t.Helper()

	store, err := localstore.NewStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	legacy := memory.NewStore("legacy")
	primary := memory.NewStore("primary")
	provider := flags.NewStatic(phase, false)
	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	coord := dualwrite.NewCoordinator(legacy, primary, provider, metrics,
		dualwrite.Options{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	engine := syncengine.NewEngine(store, coord, metrics, syncengine.Options{MaxRetries: 3})

	job := reconcile.NewJob(legacy, primary, store, metrics, true)
	runner := reconcile.NewRunner(job, reconcile.NoopArchiver{}, time.Hour)

	handler := api.NewHandler(store, engine, runner, provider, "e2e")
	server := httptest.NewServer(api.NewRouter(handler, apiKey, registry))
	t.Cleanup(server.Close)

	return &stack{
		store:    store,
		legacy:   legacy,
		primary:  primary,
		flags:    provider,
		engine:   engine,
		runner:   runner,
		server:   server,
		registry: registry,
	}
}

func TestOfflineEditsThenSyncThenReconcile(t *testing.T) {
	s := newStack(t, flags.PhaseDualWrite)
	ctx := context.Background()

	// A farmhand works offline: registers two animals, logs a milking,
	// corrects one record, and removes the other.
	cow, err := s.store.Add(ctx, "farm-1", types.TableAnimals,
		[]byte(`{"tag_number":"NL-100","name":"Berta","status":"active"}`))
	if err != nil {
		t.Fatalf("add cow: %v", err)
	}
	calf, err := s.store.Add(ctx, "farm-1", types.TableAnimals,
		[]byte(`{"tag_number":"NL-101","status":"active"}`))
	if err != nil {
		t.Fatalf("add calf: %v", err)
	}
	if _, err := s.store.Add(ctx, "farm-1", types.TableMilkLogs,
		[]byte(`{"animal_id":"`+cow+`","session":"morning","liters":14.2,"logged_at":"2026-08-30T06:10:00Z"}`)); err != nil {
		t.Fatalf("add milk log: %v", err)
	}
	if err := s.store.Update(ctx, "farm-1", types.TableAnimals, cow,
		[]byte(`{"breed":"Holstein"}`)); err != nil {
		t.Fatalf("update cow: %v", err)
	}
	if err := s.store.Delete(ctx, "farm-1", types.TableAnimals, calf); err != nil {
		t.Fatalf("delete calf: %v", err)
	}

	// Connectivity returns.
	report, err := s.engine.FullSync(ctx, "farm-1")
	if err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if report.Applied != 5 || report.Failed != 0 {
		t.Fatalf("report = %+v, want all five mutations applied", report)
	}
	if pending, _ := s.store.PendingCount(ctx, "farm-1"); pending != 0 {
		t.Errorf("pending = %d after sync", pending)
	}

	// Both stores converge: one animal, one milk log, no calf.
	for _, rs := range []*memory.Store{s.legacy, s.primary} {
		if n, _ := rs.Count(ctx, types.TableAnimals, "farm-1"); n != 1 {
			t.Errorf("%s animals = %d, want 1", rs.Name(), n)
		}
		if n, _ := rs.Count(ctx, types.TableMilkLogs, "farm-1"); n != 1 {
			t.Errorf("%s milk logs = %d, want 1", rs.Name(), n)
		}
	}
	row, err := s.primary.Get(ctx, types.TableAnimals, "farm-1", cow)
	if err != nil {
		t.Fatalf("primary cow: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(row.Payload, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["breed"] != "Holstein" {
		t.Errorf("offline update not pushed: %v", fields)
	}

	// Stores agree, so reconciliation passes.
	sweep, err := s.runner.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if sweep.Status != reconcile.StatusPassed {
		t.Errorf("sweep = %+v, want PASSED", sweep)
	}
}

func TestPartialOutageKeepsStoresConsistent(t *testing.T) {
	s := newStack(t, flags.PhaseDualWrite)
	ctx := context.Background()

	if _, err := s.store.Add(ctx, "farm-1", types.TableAnimals,
		[]byte(`{"tag_number":"NL-200","status":"active"}`)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.primary.FailWith(errors.New("primary down"))

	if _, err := s.engine.FullSync(ctx, "farm-1"); err == nil {
		t.Fatal("expected failed cycle during outage")
	}

	// All-or-nothing: the legacy side was rolled back, nothing committed.
	if n, _ := s.legacy.Count(ctx, types.TableAnimals, "farm-1"); n != 0 {
		t.Errorf("legacy rows = %d during outage, want rollback", n)
	}
	if pending, _ := s.store.PendingCount(ctx, "farm-1"); pending != 1 {
		t.Errorf("pending = %d, mutation must stay queued", pending)
	}

	// Outage ends; the queued mutation drains and both sides agree.
	s.primary.FailWith(nil)
	if _, err := s.engine.FullSync(ctx, "farm-1"); err != nil {
		t.Fatalf("recovery sync: %v", err)
	}
	lc, _ := s.legacy.Count(ctx, types.TableAnimals, "farm-1")
	pc, _ := s.primary.Count(ctx, types.TableAnimals, "farm-1")
	if lc != 1 || pc != 1 {
		t.Errorf("counts after recovery: legacy=%d primary=%d", lc, pc)
	}
}

func TestAdminAPIOverHTTP(t *testing.T) {
	s := newStack(t, flags.PhaseDualWrite)
	ctx := context.Background()

	if _, err := s.store.Add(ctx, "farm-1", types.TableAnimals,
		[]byte(`{"tag_number":"NL-300","status":"active"}`)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	get := func(path string, authorized bool) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
		if authorized {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/api/v1/health", false); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}

	resp := get("/api/v1/tenants/farm-1/sync/status", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	var status types.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.PendingMutations != 1 {
		t.Errorf("pending over HTTP = %d, want 1", status.PendingMutations)
	}

	if resp := get("/metrics", false); resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	// Reconciliation report appears over HTTP once a sweep has run.
	if resp := get("/api/v1/reconciliation/latest", true); resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest before sweep = %d, want 404", resp.StatusCode)
	}
	if _, err := s.runner.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if resp := get("/api/v1/reconciliation/latest", true); resp.StatusCode != http.StatusOK {
		t.Errorf("latest after sweep = %d, want 200", resp.StatusCode)
	}
}
