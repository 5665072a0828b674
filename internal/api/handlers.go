// Package api exposes the operational surface of the sync core: health,
// per-tenant sync status, manual sync triggers, and the latest
// reconciliation report. Application routing lives with the callers; this
// surface exists for operators and the migration runbook.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pasturetech/herdsync/internal/flags"
	"github.com/pasturetech/herdsync/internal/reconcile"
	"github.com/pasturetech/herdsync/internal/syncengine"
	"github.com/pasturetech/herdsync/internal/types"
)

// StatusStore reads per-tenant sync state. Implemented by localstore.Store.
type StatusStore interface {
	SyncStatus(ctx context.Context, tenantID string) (*types.SyncStatus, error)
	Tenants(ctx context.Context) ([]string, error)
}

// SyncService runs sync cycles. Implemented by syncengine.Engine.
type SyncService interface {
	FullSync(ctx context.Context, tenantID string) (*syncengine.Report, error)
}

// ReportSource yields the most recent reconciliation report.
// Implemented by reconcile.Runner.
type ReportSource interface {
	Latest() *reconcile.Report
}

// PhaseSource reports the active migration phase. Implemented by
// flags.Static.
type PhaseSource interface {
	Phase() flags.Phase
}

// Handler implements the API handlers
type Handler struct {
	store   StatusStore
	engine  SyncService
	reports ReportSource
	phases  PhaseSource
	version string
}

// NewHandler creates a new Handler.
func NewHandler(store StatusStore, engine SyncService, reports ReportSource, phases PhaseSource, version string) *Handler {
	return &Handler{
		store:   store,
		engine:  engine,
		reports: reports,
		phases:  phases,
		version: version,
	}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Phase   flags.Phase `json:"migrationPhase"`
	Tenants int         `json:"tenants"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.Tenants(r.Context())
	if err != nil {
		MapSyncError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Phase:   h.phases.Phase(),
		Tenants: len(tenants),
	})
}

// SyncStatus handles GET /api/v1/tenants/{tenant}/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing tenant identifier")
		return
	}

	status, err := h.store.SyncStatus(r.Context(), tenant)
	if err != nil {
		MapSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerSync handles POST /api/v1/tenants/{tenant}/sync. The cycle runs in
// the background; 202 acknowledges the trigger, not the outcome. A cycle
// already in flight makes the trigger a no-op.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	if tenant == "" {
		WriteProblem(w, r, http.StatusBadRequest, "Missing tenant identifier")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := h.engine.FullSync(ctx, tenant); err != nil {
			slog.Warn("triggered sync did not complete",
				"component", "api",
				"tenant", tenant,
				"error", err,
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"tenant": tenant,
	})
}

// LatestReconciliation handles GET /api/v1/reconciliation/latest
func (h *Handler) LatestReconciliation(w http.ResponseWriter, r *http.Request) {
	report := h.reports.Latest()
	if report == nil {
		WriteProblem(w, r, http.StatusNotFound, "No reconciliation sweep has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
