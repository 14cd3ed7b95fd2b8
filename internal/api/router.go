// Package api serves the operational endpoints: health, readiness,
// prometheus metrics, and the state of jobs and pools.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nmslite/nmstrans/internal/metrics"
	"github.com/nmslite/nmstrans/internal/middleware"
)

// NewRouter creates and configures the API router
func NewRouter(status Status, registry *metrics.Registry, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	healthHandler := NewHealthHandler(status)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Method(http.MethodGet, "/metrics", registry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", healthHandler.Jobs)
		r.Get("/pools", healthHandler.Pools)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.SendError(w, r, http.StatusNotFound, "NOT_FOUND", "no such endpoint", nil)
	})

	return r
}
