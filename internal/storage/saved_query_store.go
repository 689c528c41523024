package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
)

// SavedQueryStore persists saved SQL queries.
type SavedQueryStore struct {
	conn *Connection
}

// NewSavedQueryStore creates a PostgreSQL-backed saved query store.
func NewSavedQueryStore(conn *Connection) (*SavedQueryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &SavedQueryStore{conn: conn}, nil
}

const savedQueryColumns = `id, name, statement, created_by, created_at, updated_at`

// Put inserts or replaces a saved query by id.
func (s *SavedQueryStore) Put(ctx context.Context, q *SavedQuery) (*SavedQuery, error) {
	if q == nil || q.Name == "" || q.Statement == "" {
		return nil, apperr.New(apperr.KindValidation, "saved query requires a name and a statement")
	}

	if q.ID == "" {
		q.ID = uuid.NewString()
	}

	query := `
		INSERT INTO saved_queries (id, name, statement, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			statement = EXCLUDED.statement,
			updated_at = NOW()
		RETURNING ` + savedQueryColumns

	stored, err := scanSavedQuery(s.conn.QueryRowContext(ctx, query, q.ID, q.Name, q.Statement, q.CreatedBy))
	if err != nil {
		return nil, translateWriteError(err, "saved query")
	}

	return stored, nil
}

// Get loads a saved query by id.
func (s *SavedQueryStore) Get(ctx context.Context, id string) (*SavedQuery, error) {
	q, err := scanSavedQuery(s.conn.QueryRowContext(ctx,
		`SELECT `+savedQueryColumns+` FROM saved_queries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "saved query %s not found", id)
	}

	if err != nil {
		return nil, fmt.Errorf("load saved query: %w", err)
	}

	return q, nil
}

// List returns all saved queries ordered by name.
func (s *SavedQueryStore) List(ctx context.Context) ([]*SavedQuery, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+savedQueryColumns+` FROM saved_queries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list saved queries: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var queries []*SavedQuery

	for rows.Next() {
		q, err := scanSavedQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saved query: %w", err)
		}

		queries = append(queries, q)
	}

	return queries, rows.Err()
}

// Delete removes a saved query by id.
func (s *SavedQueryStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn.ExecContext(ctx, `DELETE FROM saved_queries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete saved query: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return apperr.Newf(apperr.KindNotFound, "saved query %s not found", id)
	}

	return nil
}

func scanSavedQuery(row scanner) (*SavedQuery, error) {
	var q SavedQuery

	err := row.Scan(&q.ID, &q.Name, &q.Statement, &q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &q, nil
}
