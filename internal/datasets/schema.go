package datasets

import (
	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// ValidateFields checks a proposed schema in isolation: non-empty, unique
// names, known types, and at least one timestamp column.
func ValidateFields(fields []storage.SchemaField) error {
	if len(fields) == 0 {
		return apperr.New(apperr.KindValidation, "schema requires at least one field")
	}

	seen := make(map[string]struct{}, len(fields))
	hasTimestamp := false

	for _, f := range fields {
		if f.Name == "" {
			return apperr.New(apperr.KindValidation, "schema field name must not be empty")
		}

		if _, dup := seen[f.Name]; dup {
			return apperr.Newf(apperr.KindValidation, "schema field %s is duplicated", f.Name)
		}

		seen[f.Name] = struct{}{}

		switch f.Type {
		case "timestamp":
			hasTimestamp = true
		case "string", "double", "integer", "boolean":
		default:
			return apperr.Newf(apperr.KindValidation,
				"schema field %s has unknown type %q", f.Name, f.Type)
		}
	}

	if !hasTimestamp {
		return apperr.New(apperr.KindValidation, "schema requires a timestamp field")
	}

	return nil
}

// CheckEvolution decides whether proposed may replace current without
// rewriting existing partitions. Allowed: adding a nullable field and
// widening integer to double. Everything else — dropping a field, changing
// a type, tightening nullability — is incompatible. Returns whether the
// schemas differ at all.
func CheckEvolution(current, proposed []storage.SchemaField) (bool, error) {
	if err := ValidateFields(proposed); err != nil {
		return false, err
	}

	prev := make(map[string]storage.SchemaField, len(current))
	for _, f := range current {
		prev[f.Name] = f
	}

	next := make(map[string]storage.SchemaField, len(proposed))
	changed := len(current) != len(proposed)

	for _, f := range proposed {
		next[f.Name] = f

		old, existed := prev[f.Name]
		if !existed {
			// New fields must be nullable: existing rows have no value.
			if !f.Nullable {
				return false, apperr.Newf(apperr.KindSchemaIncompatible,
					"new field %s must be nullable", f.Name)
			}

			changed = true

			continue
		}

		if old.Type != f.Type {
			if old.Type == "integer" && f.Type == "double" {
				changed = true

				continue
			}

			return false, apperr.Newf(apperr.KindSchemaIncompatible,
				"field %s cannot change type %s -> %s", f.Name, old.Type, f.Type)
		}

		if old.Nullable && !f.Nullable {
			return false, apperr.Newf(apperr.KindSchemaIncompatible,
				"field %s cannot become non-nullable", f.Name)
		}

		if old.Nullable != f.Nullable {
			changed = true
		}
	}

	for _, f := range current {
		if _, kept := next[f.Name]; !kept {
			return false, apperr.Newf(apperr.KindSchemaIncompatible,
				"field %s cannot be removed", f.Name)
		}
	}

	return changed, nil
}
