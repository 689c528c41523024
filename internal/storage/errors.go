package storage

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/apphub-io/timestore/internal/apperr"
)

// uniqueViolation is the PostgreSQL error code for unique constraint collisions.
const uniqueViolation = pq.ErrorCode("23505")

// isUniqueViolation reports whether err is a unique-key collision.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}

	return false
}

// translateWriteError maps low-level database errors to tagged kinds so the
// HTTP layer never inspects driver errors directly.
func translateWriteError(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return apperr.Wrap(apperr.KindDuplicate, entity+" already exists", err)
	case errors.Is(err, sql.ErrNoRows):
		return apperr.Wrap(apperr.KindNotFound, entity+" not found", err)
	default:
		return apperr.Wrap(apperr.KindUnavailable, entity+" write failed", err)
	}
}
