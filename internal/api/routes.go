package api

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apphub-io/timestore/internal/api/middleware"
)

// setupRoutes registers every endpoint on the mux. Go 1.22 method routing
// keeps the dispatch table declarative; scope checks live in the handlers
// because most of them need the dataset row to resolve required scopes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health surface
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Dataset surface
	mux.HandleFunc("POST /datasets/{slug}/ingest", s.handleIngest)
	mux.HandleFunc("POST /datasets/{slug}/query", s.handleQuery)

	// SQL surface
	mux.HandleFunc("POST /sql/read", s.handleSQLRead)
	mux.HandleFunc("POST /sql/exec", s.handleSQLExec)
	mux.HandleFunc("GET /sql/saved", s.handleSavedQueryList)
	mux.HandleFunc("GET /sql/saved/{id}", s.handleSavedQueryGet)
	mux.HandleFunc("PUT /sql/saved/{id}", s.handleSavedQueryPut)
	mux.HandleFunc("DELETE /sql/saved/{id}", s.handleSavedQueryDelete)

	// Admin surface
	mux.HandleFunc("GET /admin/datasets", s.handleDatasetList)
	mux.HandleFunc("POST /admin/datasets", s.handleDatasetCreate)
	mux.HandleFunc("PATCH /admin/datasets/{id}", s.handleDatasetPatch)
	mux.HandleFunc("POST /admin/datasets/{id}/archive", s.handleDatasetArchive)
	mux.HandleFunc("GET /admin/datasets/{id}/manifests", s.handleManifestList)
	mux.HandleFunc("GET /admin/datasets/{id}/manifests/{manifestId}/partitions", s.handlePartitionList)
	mux.HandleFunc("GET /admin/datasets/{id}/audit", s.handleAuditList)
	mux.HandleFunc("GET /admin/datasets/{id}/retention", s.handleRetentionGet)
	mux.HandleFunc("PUT /admin/datasets/{id}/retention", s.handleRetentionPut)
	mux.HandleFunc("POST /admin/lifecycle/run", s.handleLifecycleRun)
	mux.HandleFunc("GET /admin/lifecycle/status", s.handleLifecycleStatus)
	mux.HandleFunc("POST /admin/lifecycle/reschedule", s.handleLifecycleReschedule)
	mux.HandleFunc("GET /admin/filestore/nodes", s.handleFilestoreNodes)

	// Jobs surface. Run listing and submission share /jobs/{slug}/run, so
	// the bundle editor lives under /bundles to keep the patterns
	// unambiguous for the method router.
	mux.HandleFunc("GET /jobs", s.handleJobList)
	mux.HandleFunc("POST /jobs", s.handleJobUpsert)
	mux.HandleFunc("GET /jobs/{slug}/run", s.handleRunList)
	mux.HandleFunc("POST /jobs/{slug}/run", s.handleRunSubmit)
	mux.HandleFunc("POST /jobs/runs/{id}/cancel", s.handleRunCancel)
	mux.HandleFunc("POST /jobs/python-snippet", s.handleSnippetCreate)
	mux.HandleFunc("POST /jobs/python-snippet/preview", s.handleSnippetPreview)

	// Bundle editor surface
	mux.HandleFunc("POST /bundles", s.handleBundlePublish)
	mux.HandleFunc("GET /bundles/{slug}", s.handleBundleGet)
	mux.HandleFunc("GET /bundles/{slug}/versions", s.handleBundleVersionList)
	mux.HandleFunc("GET /bundles/{slug}/versions/{version}", s.handleBundleVersionGet)
	mux.HandleFunc("POST /bundles/{slug}/versions/{version}/deprecate", s.handleBundleDeprecate)

	// Catch-all 404 in the problem+json shape
	mux.HandleFunc("/", s.handleNotFound)
}

// handleMetrics serves the Prometheus text exposition, behind the metrics
// scope when one is configured.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireMetrics(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger,
		NewProblemDetail(http.StatusNotFound, "Not Found", "The requested resource does not exist"))
}

// writeJSON writes a JSON response body with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response",
			"path", r.URL.Path, "method", r.Method, "error", err)
	}
}

// decodeJSON decodes a request body into dst, bounded by MaxRequestSize.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	return decoder.Decode(dst)
}
