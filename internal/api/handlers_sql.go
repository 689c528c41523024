package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strings"

	"github.com/apphub-io/timestore/internal/api/middleware"
	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

type sqlRequest struct {
	SQL string `json:"sql"`
}

// handleSQLRead runs a single read-only statement against the columnar
// backend and renders the result per the Accept header: JSON (default),
// CSV, or plain text.
func (s *Server) handleSQLRead(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid sql body", err))

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if s.deps.SQL == nil {
		WriteError(w, r, s.logger, apperr.New(apperr.KindUnavailable, "columnar backend is not configured"))

		return
	}

	rows, err := s.deps.SQL.Read(r.Context(), req.SQL)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}
	defer rows.Close()

	columns := rows.Columns()
	records := make([][]any, 0, 64)

	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))

		for i := range values {
			dest[i] = &values[i]
		}

		if err := rows.Scan(dest...); err != nil {
			WriteError(w, r, s.logger, apperr.Wrap(apperr.KindUnavailable, "result scan failed", err))

			return
		}

		records = append(records, values)
	}

	if err := rows.Err(); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindUnavailable, "result iteration failed", err))

		return
	}

	switch negotiateSQLFormat(r.Header.Get("Accept")) {
	case "text/csv":
		s.writeCSV(w, r, columns, records)
	case "text/plain":
		s.writePlain(w, r, columns, records)
	default:
		objects := make([]map[string]any, 0, len(records))
		for _, record := range records {
			row := make(map[string]any, len(columns))
			for i, column := range columns {
				row[column] = record[i]
			}

			objects = append(objects, row)
		}

		s.writeJSON(w, r, http.StatusOK, map[string]any{
			"columns":   columns,
			"rows":      objects,
			"truncated": false,
		})
	}
}

func negotiateSQLFormat(accept string) string {
	switch {
	case strings.Contains(accept, "text/csv"):
		return "text/csv"
	case strings.Contains(accept, "text/plain"):
		return "text/plain"
	default:
		return "application/json"
	}
}

func (s *Server) writeCSV(w http.ResponseWriter, r *http.Request, columns []string, records [][]any) {
	w.Header().Set("Content-Type", "text/csv")

	writer := csv.NewWriter(w)
	if err := writer.Write(columns); err != nil {
		s.logger.Error("csv write failed", "path", r.URL.Path, "error", err)

		return
	}

	for _, record := range records {
		fields := make([]string, len(record))
		for i, value := range record {
			fields[i] = formatSQLValue(value)
		}

		if err := writer.Write(fields); err != nil {
			s.logger.Error("csv write failed", "path", r.URL.Path, "error", err)

			return
		}
	}

	writer.Flush()
}

func (s *Server) writePlain(w http.ResponseWriter, r *http.Request, columns []string, records [][]any) {
	w.Header().Set("Content-Type", "text/plain")

	lines := make([]string, 0, len(records)+1)
	lines = append(lines, strings.Join(columns, "\t"))

	for _, record := range records {
		fields := make([]string, len(record))
		for i, value := range record {
			fields[i] = formatSQLValue(value)
		}

		lines = append(lines, strings.Join(fields, "\t"))
	}

	if _, err := w.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		s.logger.Error("plain write failed", "path", r.URL.Path, "error", err)
	}
}

func formatSQLValue(value any) string {
	if value == nil {
		return ""
	}

	return fmt.Sprintf("%v", value)
}

// handleSQLExec runs an arbitrary statement. Admin scope only.
func (s *Server) handleSQLExec(w http.ResponseWriter, r *http.Request) {
	var req sqlRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid sql body", err))

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireAdmin(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if s.deps.SQL == nil {
		WriteError(w, r, s.logger, apperr.New(apperr.KindUnavailable, "columnar backend is not configured"))

		return
	}

	if err := s.deps.SQL.Exec(r.Context(), req.SQL); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type savedQueryRequest struct {
	Name      string `json:"name"`
	Statement string `json:"statement"`
}

func (s *Server) handleSavedQueryList(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	queries, err := s.deps.Saved.List(r.Context())
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]any{"queries": queries})
}

func (s *Server) handleSavedQueryGet(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	q, err := s.deps.Saved.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, q)
}

func (s *Server) handleSavedQueryPut(w http.ResponseWriter, r *http.Request) {
	var req savedQueryRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, s.logger, apperr.Wrap(apperr.KindValidation, "invalid saved query body", err))

		return
	}

	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if req.Statement == "" {
		WriteError(w, r, s.logger, apperr.New(apperr.KindValidation, "saved query requires a statement"))

		return
	}

	actor := principal.Actor()

	q, err := s.deps.Saved.Put(r.Context(), &storage.SavedQuery{
		ID:        r.PathValue("id"),
		Name:      req.Name,
		Statement: req.Statement,
		CreatedBy: &actor,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, q)
}

func (s *Server) handleSavedQueryDelete(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if err := s.deps.Authorizer.RequireDefault(principal); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if err := s.deps.Saved.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
