package api

import (
	"net/http"
	"time"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// handlePing answers liveness probes.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth reports status, uptime, and version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Duration(0)
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  uptime.String(),
		"version": version,
	})
}

// handleReady reports readiness: the queue must be reachable and, when a
// columnar backend is wired, it must answer a ping. Degraded dependencies
// yield 503 with the per-dependency detail.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := true
	detail := map[string]any{}

	if s.deps.Queue != nil {
		health := s.deps.Queue.Health(r.Context())
		detail["queue"] = health

		if !health.Ready {
			ready = false
		}
	}

	if s.deps.Columnar != nil {
		if err := s.deps.Columnar.Ping(r.Context()); err != nil {
			ready = false
			detail["columnar"] = map[string]any{"ready": false, "error": err.Error()}
		} else {
			detail["columnar"] = map[string]any{"ready": true}
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	s.writeJSON(w, r, status, map[string]any{
		"ready":        ready,
		"dependencies": detail,
	})
}
