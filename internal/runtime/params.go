package runtime

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// MergeParameters lays submitted parameters over definition defaults.
// Submitted keys win; neither input is mutated.
func MergeParameters(defaults, submitted storage.JSONMap) storage.JSONMap {
	if len(defaults) == 0 && len(submitted) == 0 {
		return storage.JSONMap{}
	}

	merged := make(storage.JSONMap, len(defaults)+len(submitted))

	for k, v := range defaults {
		merged[k] = v
	}

	for k, v := range submitted {
		merged[k] = v
	}

	return merged
}

// ValidateParameters checks parameters against a JSON Schema. An empty schema
// admits anything. Violations come back as one validation error listing every
// failed constraint.
func ValidateParameters(schema, parameters storage.JSONMap) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(map[string]any(schema)),
		gojsonschema.NewGoLoader(map[string]any(parameters)),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "evaluate parameters schema", err)
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}

	return apperr.New(apperr.KindValidation, "parameters failed schema validation").
		WithProperty("validationErrors", details).
		WithProperty("detail", strings.Join(details, "; "))
}
