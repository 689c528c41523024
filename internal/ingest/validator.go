// Package ingest implements the dataset ingestion pipeline: row validation
// against the dataset schema, partition file writing, column statistics and
// bloom filters, and the inline/queued execution modes.
package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// ValidatedBatch is the outcome of row validation: normalized rows plus the
// covered time range of the batch's time column.
type ValidatedBatch struct {
	Rows      []storage.JSONMap
	TimeField string
	StartTime time.Time
	EndTime   time.Time
}

// ValidateRows checks every row against the schema fields and normalizes
// timestamp values to RFC 3339 UTC strings. Unknown columns, missing
// non-nullable values, and type mismatches are rejected with the row index
// in the message.
func ValidateRows(fields []storage.SchemaField, rows []storage.JSONMap) (*ValidatedBatch, error) {
	if len(rows) == 0 {
		return nil, apperr.New(apperr.KindValidation, "ingestion requires at least one row")
	}

	known := make(map[string]storage.SchemaField, len(fields))
	timeField := ""

	for _, f := range fields {
		known[f.Name] = f

		if f.Type == "timestamp" && timeField == "" {
			timeField = f.Name
		}
	}

	if timeField == "" {
		return nil, apperr.New(apperr.KindValidation, "schema has no timestamp field")
	}

	batch := &ValidatedBatch{Rows: make([]storage.JSONMap, 0, len(rows)), TimeField: timeField}

	for i, row := range rows {
		normalized := make(storage.JSONMap, len(row))

		for name := range row {
			if _, ok := known[name]; !ok {
				return nil, apperr.Newf(apperr.KindValidation,
					"row %d has unknown column %q", i, name)
			}
		}

		for _, f := range fields {
			value, present := row[f.Name]
			if !present || value == nil {
				if !f.Nullable {
					return nil, apperr.Newf(apperr.KindValidation,
						"row %d is missing non-nullable column %q", i, f.Name)
				}

				continue
			}

			coerced, err := coerceValue(f, value)
			if err != nil {
				return nil, apperr.Newf(apperr.KindValidation, "row %d: %s", i, err)
			}

			normalized[f.Name] = coerced
		}

		rendered, ok := normalized[timeField].(string)
		if !ok {
			return nil, apperr.Newf(apperr.KindValidation,
				"row %d is missing time column %q", i, timeField)
		}

		ts, err := time.Parse(time.RFC3339Nano, rendered)
		if err != nil {
			return nil, apperr.Newf(apperr.KindValidation,
				"row %d has unparseable %s", i, timeField)
		}

		if batch.StartTime.IsZero() || ts.Before(batch.StartTime) {
			batch.StartTime = ts
		}

		if ts.After(batch.EndTime) {
			batch.EndTime = ts
		}

		batch.Rows = append(batch.Rows, normalized)
	}

	return batch, nil
}

// coerceValue validates one value against its field type. Timestamps accept
// RFC 3339 strings and epoch milliseconds; integers accept JSON numbers
// with no fractional part.
func coerceValue(f storage.SchemaField, value any) (any, error) {
	switch f.Type {
	case "timestamp":
		switch v := value.(type) {
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("column %q is not an RFC 3339 timestamp", f.Name)
			}

			return ts.UTC().Format(time.RFC3339Nano), nil
		case float64:
			return time.UnixMilli(int64(v)).UTC().Format(time.RFC3339Nano), nil
		case int64:
			return time.UnixMilli(v).UTC().Format(time.RFC3339Nano), nil
		default:
			return nil, fmt.Errorf("column %q must be a timestamp", f.Name)
		}

	case "string":
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("column %q must be a string", f.Name)
		}

		return v, nil

	case "double":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("column %q must be a number", f.Name)
		}

	case "integer":
		switch v := value.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("column %q must be an integer", f.Name)
			}

			return int64(v), nil
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		default:
			return nil, fmt.Errorf("column %q must be an integer", f.Name)
		}

	case "boolean":
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("column %q must be a boolean", f.Name)
		}

		return v, nil

	default:
		return nil, fmt.Errorf("column %q has unknown type %q", f.Name, f.Type)
	}
}
