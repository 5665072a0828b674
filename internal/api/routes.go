package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, apiKey string, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Scrape endpoint, outside the versioned API
	r.Method("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(apiKey))
			r.Get("/tenants/{tenant}/sync/status", h.SyncStatus)
			r.Post("/tenants/{tenant}/sync", h.TriggerSync)
			r.Get("/reconciliation/latest", h.LatestReconciliation)
		})
	})

	return r
}
