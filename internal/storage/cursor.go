package storage

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
)

// cursorPayload is the decoded shape of a pagination cursor: the
// (updatedAt, id) tuple of the last row on the previous page.
type cursorPayload struct {
	UpdatedAt time.Time `json:"u"`
	ID        string    `json:"id"`
}

// EncodeCursor produces an opaque base64 cursor for keyset pagination.
func EncodeCursor(updatedAt time.Time, id string) string {
	data, _ := json.Marshal(cursorPayload{UpdatedAt: updatedAt.UTC(), ID: id})

	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor validates and decodes an opaque cursor. Tampered or malformed
// cursors fail with kind invalid-cursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}

	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", apperr.Wrap(apperr.KindInvalidCursor, "cursor is not valid base64", err)
	}

	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return time.Time{}, "", apperr.Wrap(apperr.KindInvalidCursor, "cursor payload is malformed", err)
	}

	if payload.ID == "" || payload.UpdatedAt.IsZero() {
		return time.Time{}, "", apperr.New(apperr.KindInvalidCursor, "cursor payload is incomplete")
	}

	return payload.UpdatedAt, payload.ID, nil
}
