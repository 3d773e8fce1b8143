package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter assembles the route tree and its middleware chain.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(withRequestID)
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)
	r.Use(limitBody)

	// Router-level errors answer in JSON like everything else.
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Liveness check (no queue I/O)
		r.Get("/health", s.handleHealth)

		// Agent state
		r.Get("/status", s.handleStatus)
		r.Get("/devices", s.handleDevices)

		// Manual cycle triggers
		r.Post("/upload/trigger", s.handleTriggerUpload)
		r.Post("/collect/trigger", s.handleTriggerCollect)
	})

	return r
}

// handleHealth answers liveness probes without touching the queue.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
