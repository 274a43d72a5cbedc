package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Prometheus metrics. The collector reads the bridge lazily, so
	// a scrape always reflects the latest poll.
	registry := prometheus.NewRegistry()
	registry.MustRegister(newDriverCollector(s.tty, s.driver))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/device", s.handleDevice)
		r.Get("/telemetry", s.handleTelemetry)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	polls, failures := s.driver.PollStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"tty":           s.tty,
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"polls":         polls,
		"poll_failures": failures,
	})
}
