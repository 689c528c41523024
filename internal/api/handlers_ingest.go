package api

import (
	"net/http"

	"github.com/apphub-io/timestore/internal/api/middleware"
	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/query"
	"github.com/apphub-io/timestore/internal/storage"
)

// handleIngest accepts one ingestion batch for the dataset in the path.
// Inline mode answers 201 with the published manifest; queued mode answers
// 202 with the job id. Replayed idempotency keys answer 200.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	var req ingest.Request
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid ingest body", err))

		return
	}

	req.DatasetSlug = slug

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	principal := middleware.GetPrincipal(r.Context())

	if err := s.authorizeDatasetWrite(r, slug); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	actor := principal.Actor()
	req.Actor = &actor

	result, err := s.deps.Ingest.Ingest(r.Context(), &req)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	switch {
	case result.Deduplicated:
		s.writeJSON(w, r, http.StatusOK, map[string]any{
			"deduplicated": true,
			"partition":    result.Partition,
		})
	case result.Queued:
		s.writeJSON(w, r, http.StatusAccepted, map[string]any{
			"queued": true,
			"jobId":  result.JobID,
		})
	default:
		s.writeJSON(w, r, http.StatusCreated, map[string]any{
			"dataset":   result.Dataset,
			"partition": result.Partition,
			"manifest":  result.Manifest,
		})
	}
}

// handleQuery plans and executes a dataset query. The response carries the
// rows, the effective column list, the query mode, and pruning accounting.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	var req query.Request
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid query body", err))

		return
	}

	req.DatasetSlug = slug

	if err := s.authorizeDatasetRead(r, slug); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	result, plan, err := s.deps.Querier.Query(r.Context(), &req)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	mode := "raw"
	if req.Downsample != nil {
		mode = "downsampled"
	}

	columns := req.Columns
	if len(columns) == 0 && plan.Schema != nil {
		for _, field := range plan.Schema.Fields {
			columns = append(columns, field.Name)
		}
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"rows":      result.Rows,
		"columns":   columns,
		"mode":      mode,
		"truncated": result.Truncated,
		"statistics": map[string]any{
			"scannedPartitions": result.ScannedPartitions,
			"scannedRows":       result.ScannedRows,
			"shardsConsidered":  plan.ShardsConsidered,
			"prunedByTime":      plan.PrunedByTime,
			"prunedByKey":       plan.PrunedByKey,
			"prunedByStats":     plan.PrunedByStats,
			"prunedByBloom":     plan.PrunedByBloom,
		},
	})
}

// authorizeDatasetRead resolves the dataset and checks read scopes. Unknown
// datasets are checked against the default scope so probing for slugs leaks
// nothing before authorization.
func (s *Server) authorizeDatasetRead(r *http.Request, slug string) error {
	return s.authorizeDataset(r, slug, false)
}

func (s *Server) authorizeDatasetWrite(r *http.Request, slug string) error {
	return s.authorizeDataset(r, slug, true)
}

func (s *Server) authorizeDataset(r *http.Request, slug string, write bool) error {
	dataset, err := s.deps.Datasets.GetDatasetBySlug(r.Context(), slug)
	if err != nil {
		if !apperr.IsKind(err, apperr.KindNotFound) {
			return err
		}

		dataset = &storage.Dataset{Slug: slug}
	}

	principal := middleware.GetPrincipal(r.Context())

	if write {
		return s.deps.Authorizer.AuthorizeWrite(r.Context(), dataset, principal)
	}

	return s.deps.Authorizer.AuthorizeRead(r.Context(), dataset, principal)
}
