package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/apphub-io/timestore/internal/api/middleware"
	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/storage"
)

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	definitions, nextCursor, err := s.deps.Jobs.ListDefinitions(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"jobs":       definitions,
		"nextCursor": nextCursor,
	})
}

type jobUpsertRequest struct {
	Slug              string               `json:"slug"`
	Name              string               `json:"name"`
	Type              string               `json:"type"`
	Runtime           string               `json:"runtime"`
	EntryPoint        string               `json:"entryPoint"`
	TimeoutMs         *int64               `json:"timeoutMs,omitempty"`
	RetryPolicy       *storage.RetryPolicy `json:"retryPolicy,omitempty"`
	ParametersSchema  storage.JSONMap      `json:"parametersSchema,omitempty"`
	DefaultParameters storage.JSONMap      `json:"defaultParameters,omitempty"`
	OutputSchema      storage.JSONMap      `json:"outputSchema,omitempty"`
	Metadata          storage.JSONMap      `json:"metadata,omitempty"`
}

// handleJobUpsert creates or updates a job definition. Upserts are keyed by
// slug; the store bumps the version counter on change.
func (s *Server) handleJobUpsert(w http.ResponseWriter, r *http.Request) {
	var req jobUpsertRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid job definition", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	incoming := &storage.JobDefinition{
		Slug:              req.Slug,
		Name:              req.Name,
		Type:              storage.JobType(req.Type),
		Runtime:           storage.JobRuntime(req.Runtime),
		EntryPoint:        req.EntryPoint,
		TimeoutMs:         req.TimeoutMs,
		RetryPolicy:       req.RetryPolicy,
		ParametersSchema:  req.ParametersSchema,
		DefaultParameters: req.DefaultParameters,
		OutputSchema:      req.OutputSchema,
		Metadata:          req.Metadata,
		Active:            true,
	}

	// A definition that could never start a run is rejected up front.
	if s.deps.Runner != nil {
		if err := s.deps.Runner.ValidateDefinition(incoming); err != nil {
			WriteError(w, r, s.logger, err)

			return
		}
	}

	def, err := s.deps.Jobs.UpsertDefinition(r.Context(), incoming)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, def)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	runs, err := s.deps.Jobs.ListRuns(r.Context(), r.PathValue("slug"), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"runs": runs})
}

type runSubmitRequest struct {
	Parameters storage.JSONMap `json:"parameters,omitempty"`
	DelayMs    int64           `json:"delayMs,omitempty"`
}

// handleRunSubmit enqueues one run of the definition and answers 202 with
// the pending run record.
func (s *Server) handleRunSubmit(w http.ResponseWriter, r *http.Request) {
	var req runSubmitRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid run body", err))

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if req.DelayMs < 0 {
		WriteError(w, r, s.logger, apperr.New(apperr.KindValidation, "delayMs must not be negative"))

		return
	}

	run, err := s.deps.Runner.Submit(r.Context(), r.PathValue("slug"), req.Parameters,
		time.Duration(req.DelayMs)*time.Millisecond)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, run)
}

type runCancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleRunCancel cancels a run through the runtime, which settles the row
// and signals the executing sandbox. Terminal runs reject the transition.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	var req runCancelRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid cancel body", err))

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if s.deps.Runner == nil {
		WriteError(w, r, s.logger, apperr.New(apperr.KindUnavailable, "job runtime is not enabled"))

		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "cancelled by operator"
	}

	run, err := s.deps.Runner.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, run)
}

type snippetPreviewRequest struct {
	Snippet string `json:"snippet"`
}

// handleSnippetPreview statically analyzes a Python snippet without
// executing it: entry function detection and import scan.
func (s *Server) handleSnippetPreview(w http.ResponseWriter, r *http.Request) {
	var req snippetPreviewRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid snippet body", err))

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	analysis, err := AnalyzePythonSnippet(req.Snippet)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, analysis)
}

type snippetCreateRequest struct {
	Slug              string          `json:"slug"`
	Name              string          `json:"name"`
	Snippet           string          `json:"snippet"`
	TimeoutMs         *int64          `json:"timeoutMs,omitempty"`
	ParametersSchema  storage.JSONMap `json:"parametersSchema,omitempty"`
	DefaultParameters storage.JSONMap `json:"defaultParameters,omitempty"`
}

// handleSnippetCreate turns an analyzed Python snippet into an interpreter
// job definition in one call. The snippet source and its analysis travel in
// the definition metadata so the worker can materialize the entry function.
func (s *Server) handleSnippetCreate(w http.ResponseWriter, r *http.Request) {
	var req snippetCreateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid snippet body", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	if req.Slug == "" {
		WriteError(w, r, s.logger, apperr.New(apperr.KindValidation, "slug is required"))

		return
	}

	analysis, err := AnalyzePythonSnippet(req.Snippet)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	name := req.Name
	if name == "" {
		name = req.Slug
	}

	incoming := &storage.JobDefinition{
		Slug:              req.Slug,
		Name:              name,
		Type:              storage.JobTypeManual,
		Runtime:           storage.RuntimeInterpreter,
		EntryPoint:        "snippet:" + analysis.EntryFunction,
		TimeoutMs:         req.TimeoutMs,
		ParametersSchema:  req.ParametersSchema,
		DefaultParameters: req.DefaultParameters,
		Metadata: storage.JSONMap{
			"snippet": storage.JSONMap{
				"source":   req.Snippet,
				"analysis": analysis,
			},
		},
		Active: true,
	}

	if s.deps.Runner != nil {
		if err := s.deps.Runner.ValidateDefinition(incoming); err != nil {
			WriteError(w, r, s.logger, err)

			return
		}
	}

	def, err := s.deps.Jobs.UpsertDefinition(r.Context(), incoming)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, map[string]any{
		"job":      def,
		"analysis": analysis,
	})
}

// handleBundlePublish accepts a multipart upload: an "archive" file part
// plus slug, version, manifest (JSON), and capabilityFlags fields.
func (s *Server) handleBundlePublish(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	if err := r.ParseMultipartForm(s.config.MaxRequestSize); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid multipart body", err))

		return
	}

	archive, _, err := r.FormFile("archive")
	if err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "archive part is required", err))

		return
	}
	defer archive.Close()

	var manifest storage.JSONMap
	if raw := r.FormValue("manifest"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
			WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "manifest must be a JSON object", err))

			return
		}
	}

	actor := middleware.GetPrincipal(r.Context()).Actor()

	version, err := s.deps.Bundles.Publish(r.Context(), bundles.PublishInput{
		Slug:            r.FormValue("slug"),
		Version:         r.FormValue("version"),
		Manifest:        manifest,
		CapabilityFlags: config.ParseCommaSeparatedList(r.FormValue("capabilityFlags")),
		PublishedBy:     &actor,
		Archive:         archive,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, version)
}

func (s *Server) handleBundleGet(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	bundle, err := s.deps.BundleRows.GetBundle(r.Context(), r.PathValue("slug"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, bundle)
}

func (s *Server) handleBundleVersionList(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	versions, err := s.deps.Bundles.ListVersions(r.Context(), r.PathValue("slug"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleBundleVersionGet(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	version, err := s.deps.Bundles.Resolve(r.Context(), r.PathValue("slug"), r.PathValue("version"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, version)
}

func (s *Server) handleBundleDeprecate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	if err := s.deps.Bundles.Deprecate(r.Context(), r.PathValue("slug"), r.PathValue("version")); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "deprecated"})
}
