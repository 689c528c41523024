package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/apphub-io/timestore/internal/api/middleware"
	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// requireAdmin gates the /admin surface.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireAdmin(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return false
	}

	return true
}

func (s *Server) handleDatasetList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	datasets, nextCursor, err := s.deps.Datasets.ListDatasets(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"datasets":   datasets,
		"nextCursor": nextCursor,
	})
}

type datasetCreateRequest struct {
	Slug        string          `json:"slug"`
	Name        string          `json:"name"`
	WriteFormat string          `json:"writeFormat,omitempty"`
	Metadata    storage.JSONMap `json:"metadata,omitempty"`
}

func (s *Server) handleDatasetCreate(w http.ResponseWriter, r *http.Request) {
	var req datasetCreateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid dataset body", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	dataset, err := s.deps.Datasets.CreateDataset(r.Context(), &storage.Dataset{
		Slug:        req.Slug,
		Name:        req.Name,
		WriteFormat: req.WriteFormat,
		Metadata:    req.Metadata,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, dataset)
}

type datasetPatchRequest struct {
	Name        *string          `json:"name,omitempty"`
	Status      *string          `json:"status,omitempty"`
	WriteFormat *string          `json:"writeFormat,omitempty"`
	Metadata    *storage.JSONMap `json:"metadata,omitempty"`
}

// handleDatasetPatch applies a partial update guarded by the If-Match
// header, which carries the expected updatedAt timestamp. A mismatch
// answers 412.
func (s *Server) handleDatasetPatch(w http.ResponseWriter, r *http.Request) {
	var req datasetPatchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid dataset patch", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	ifMatchHeader := r.Header.Get("If-Match")
	if ifMatchHeader == "" {
		WriteError(w, r, s.logger, apperr.New(apperr.KindValidation, "If-Match header is required"))

		return
	}

	ifMatch, err := time.Parse(time.RFC3339Nano, ifMatchHeader)
	if err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "If-Match must be an RFC 3339 timestamp", err))

		return
	}

	dataset, err := s.deps.Datasets.UpdateDataset(r.Context(), r.PathValue("id"), ifMatch, func(ds *storage.Dataset) {
		if req.Name != nil {
			ds.Name = *req.Name
		}

		if req.Status != nil {
			ds.Status = *req.Status
		}

		if req.WriteFormat != nil {
			ds.WriteFormat = *req.WriteFormat
		}

		if req.Metadata != nil {
			ds.Metadata = *req.Metadata
		}
	})
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, dataset)
}

// handleDatasetArchive flips the dataset inactive and records the decision
// in the access audit trail.
func (s *Server) handleDatasetArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	dataset, err := s.deps.Datasets.ArchiveDataset(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	s.deps.Authorizer.RecordAction(r.Context(), dataset, principal, "archive")

	s.writeJSON(w, r, http.StatusOK, dataset)
}

func (s *Server) handleManifestList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	manifests, err := s.deps.Manifests.ListPublished(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"manifests": manifests})
}

func (s *Server) handlePartitionList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	manifest, err := s.deps.Manifests.GetManifest(r.Context(), r.PathValue("manifestId"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if manifest.DatasetID != r.PathValue("id") {
		WriteError(w, r, s.logger, apperr.New(apperr.KindNotFound, "manifest does not belong to dataset"))

		return
	}

	partitions, err := s.deps.Manifests.ListPartitions(r.Context(), manifest.ID)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"manifest":   manifest,
		"partitions": partitions,
	})
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.deps.Status.ListAuditLog(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRetentionGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	policy, err := s.deps.Datasets.GetRetentionPolicy(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, policy)
}

type retentionPutRequest struct {
	Mode                string          `json:"mode"`
	MaxAgeHours         *int            `json:"maxAgeHours,omitempty"`
	MaxTotalBytes       *int64          `json:"maxTotalBytes,omitempty"`
	DeleteGraceMinutes  int             `json:"deleteGraceMinutes,omitempty"`
	ColdStorageAfterHrs *int            `json:"coldStorageAfterHours,omitempty"`
	Metadata            storage.JSONMap `json:"metadata,omitempty"`
}

func (s *Server) handleRetentionPut(w http.ResponseWriter, r *http.Request) {
	var req retentionPutRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid retention body", err))

		return
	}

	if !s.requireAdmin(w, r) {
		return
	}

	datasetID := r.PathValue("id")

	// The dataset must exist before a policy can attach to it.
	if _, err := s.deps.Datasets.GetDataset(r.Context(), datasetID); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	policy := &storage.RetentionPolicyRecord{
		DatasetID:           datasetID,
		Mode:                req.Mode,
		MaxAgeHours:         req.MaxAgeHours,
		MaxTotalBytes:       req.MaxTotalBytes,
		DeleteGraceMinutes:  req.DeleteGraceMinutes,
		ColdStorageAfterHrs: req.ColdStorageAfterHrs,
		Metadata:            req.Metadata,
	}

	if err := s.deps.Datasets.UpsertRetentionPolicy(r.Context(), policy); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, policy)
}

func (s *Server) handleFilestoreNodes(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	if s.deps.Filestore == nil {
		WriteError(w, r, s.logger, apperr.New(apperr.KindUnavailable, "filestore consumer is not enabled"))

		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	nodes, err := s.deps.Filestore.ListNodes(r.Context(), limit)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"nodes": nodes})
}
