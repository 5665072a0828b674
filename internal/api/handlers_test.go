package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pasturetech/herdsync/internal/flags"
	"github.com/pasturetech/herdsync/internal/localstore"
	"github.com/pasturetech/herdsync/internal/reconcile"
	"github.com/pasturetech/herdsync/internal/syncengine"
	"github.com/pasturetech/herdsync/internal/types"
)

const testAPIKey = "test-api-key-12345"

type mockStatusStore struct {
	statuses map[string]*types.SyncStatus
	tenants  []string
}

func (m *mockStatusStore) SyncStatus(ctx context.Context, tenantID string) (*types.SyncStatus, error) {
	if s, ok := m.statuses[tenantID]; ok {
		return s, nil
	}
	return nil, localstore.ErrNotFound
}

func (m *mockStatusStore) Tenants(ctx context.Context) ([]string, error) {
	return m.tenants, nil
}

type mockSyncService struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockSyncService) FullSync(ctx context.Context, tenantID string) (*syncengine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, tenantID)
	if m.err != nil {
		return nil, m.err
	}
	return &syncengine.Report{TenantID: tenantID}, nil
}

func (m *mockSyncService) synced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockReports struct {
	report *reconcile.Report
}

func (m *mockReports) Latest() *reconcile.Report { return m.report }

func newTestServer(t *testing.T, store *mockStatusStore, engine *mockSyncService, reports *mockReports) *httptest.Server {
	t.Helper()
	if store == nil {
		store = &mockStatusStore{}
	}
	if engine == nil {
		engine = &mockSyncService{}
	}
	if reports == nil {
		reports = &mockReports{}
	}
	h := NewHandler(store, engine, reports, flags.NewStatic(flags.PhaseDualWrite, false), "test")
	srv := httptest.NewServer(NewRouter(h, testAPIKey, prometheus.NewRegistry()))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, authorized bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t, &mockStatusStore{tenants: []string{"farm-1", "farm-2"}}, nil, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/health", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Phase != flags.PhaseDualWrite || body.Tenants != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestProtectedRoutes_RejectMissingToken(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/tenants/farm-1/sync/status"},
		{http.MethodPost, "/api/v1/tenants/farm-1/sync"},
		{http.MethodGet, "/api/v1/reconciliation/latest"},
	}
	for _, p := range paths {
		resp := doRequest(t, p.method, srv.URL+p.path, false)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
			t.Errorf("%s %s content type = %q", p.method, p.path, ct)
		}
	}
}

func TestSyncStatus_ReturnsTenantState(t *testing.T) {
	store := &mockStatusStore{statuses: map[string]*types.SyncStatus{
		"farm-1": {
			TenantID:         "farm-1",
			IsOnline:         true,
			PendingMutations: 3,
			LastSync:         time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC),
		},
	}}
	srv := newTestServer(t, store, nil, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/tenants/farm-1/sync/status", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body types.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TenantID != "farm-1" || !body.IsOnline || body.PendingMutations != 3 {
		t.Errorf("body = %+v", body)
	}
}

func TestSyncStatus_UnknownTenantIs404(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/tenants/ghost/sync/status", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTriggerSync_AcceptsAndRunsInBackground(t *testing.T) {
	engine := &mockSyncService{}
	srv := newTestServer(t, nil, engine, nil)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/farm-1/sync", true)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.After(2 * time.Second)
	for len(engine.synced()) == 0 {
		select {
		case <-deadline:
			t.Fatal("background sync never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := engine.synced(); got[0] != "farm-1" {
		t.Errorf("synced = %v", got)
	}
}

func TestTriggerSync_BusyTenantStillAccepted(t *testing.T) {
	engine := &mockSyncService{err: syncengine.ErrSyncInProgress}
	srv := newTestServer(t, nil, engine, nil)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/farm-1/sync", true)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, trigger acknowledges even when a cycle is running", resp.StatusCode)
	}
}

func TestLatestReconciliation(t *testing.T) {
	t.Run("before first sweep", func(t *testing.T) {
		srv := newTestServer(t, nil, nil, &mockReports{})
		resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/reconciliation/latest", true)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("after a sweep", func(t *testing.T) {
		report := &reconcile.Report{ID: "01K3", Status: reconcile.StatusWarning, TotalDrift: 4}
		srv := newTestServer(t, nil, nil, &mockReports{report: report})

		resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/reconciliation/latest", true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body reconcile.Report
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.ID != "01K3" || body.Status != reconcile.StatusWarning {
			t.Errorf("body = %+v", body)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	resp := doRequest(t, http.MethodGet, srv.URL+"/metrics", false)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAuthMiddleware_WrongTokenRejected(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/reconciliation/latest", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", ""},
		{"Basic abc", ""},
		{"Bearer  padded ", "padded"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := extractBearerToken(r); got != tc.want {
			t.Errorf("extractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestMapSyncError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{localstore.ErrNotFound, http.StatusNotFound},
		{syncengine.ErrSyncInProgress, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		MapSyncError(w, r, tc.err)
		if w.Code != tc.want {
			t.Errorf("MapSyncError(%v) wrote %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
