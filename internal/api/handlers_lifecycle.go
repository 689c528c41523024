package api

import (
	"net/http"
	"strconv"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/lifecycle"
)

type lifecycleRunRequest struct {
	DatasetSlug string   `json:"datasetSlug"`
	Operations  []string `json:"operations"`
}

// handleLifecycleRun triggers maintenance for one dataset synchronously and
// answers with the recorded lifecycle job run.
func (s *Server) handleLifecycleRun(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRunRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid lifecycle body", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	run, err := s.deps.Lifecycle.Maintain(r.Context(), &lifecycle.MaintenanceRequest{
		DatasetSlug:   req.DatasetSlug,
		Operations:    req.Operations,
		TriggerSource: "api",
	})
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, run)
}

// handleLifecycleStatus reports the active schedule, the recent operation
// results ring, and the most recent lifecycle job runs.
func (s *Server) handleLifecycleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	body := map[string]any{}

	if s.deps.Schedule != nil {
		body["schedule"] = s.deps.Schedule.Schedule()
	}

	if s.deps.Metrics != nil {
		body["recentOperations"] = s.deps.Metrics.Recent()
	}

	if s.deps.Status != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		runs, err := s.deps.Status.ListRecentJobRuns(r.Context(), r.URL.Query().Get("datasetId"), limit)
		if err != nil {
			WriteError(w, r, s.logger, err)

			return
		}

		body["recentRuns"] = runs
	}

	s.writeJSON(w, r, http.StatusOK, body)
}

type rescheduleRequest struct {
	Schedule string `json:"schedule"`
}

// handleLifecycleReschedule swaps the cron schedule at runtime.
func (s *Server) handleLifecycleReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid reschedule body", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	if s.deps.Schedule == nil {
		WriteError(w, r, s.logger, apperr.New(apperr.KindUnavailable, "lifecycle scheduler is not enabled"))

		return
	}

	if err := s.deps.Schedule.Reschedule(req.Schedule); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]string{"schedule": s.deps.Schedule.Schedule()})
}
