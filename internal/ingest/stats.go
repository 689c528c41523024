package ingest

import (
	"fmt"

	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/storage"
)

// ComputeColumnStatistics derives per-column min/max/nullCount over a
// validated batch. Timestamps are compared as their normalized RFC 3339
// strings, which order identically to their instants.
func ComputeColumnStatistics(fields []storage.SchemaField, rows []storage.JSONMap) storage.JSONMap {
	stats := make(storage.JSONMap, len(fields))

	for _, f := range fields {
		var (
			minVal, maxVal any
			nulls          int
		)

		for _, row := range rows {
			value, ok := row[f.Name]
			if !ok || value == nil {
				nulls++

				continue
			}

			if minVal == nil || lessValue(value, minVal) {
				minVal = value
			}

			if maxVal == nil || lessValue(maxVal, value) {
				maxVal = value
			}
		}

		entry := storage.JSONMap{"nullCount": nulls, "rowCount": len(rows)}

		if minVal != nil {
			entry["min"] = minVal
			entry["max"] = maxVal
		}

		stats[f.Name] = entry
	}

	return stats
}

// ComputeBloomFilters builds bloom filters for string-typed columns, the
// ones partition-key and equality predicates prune on.
func ComputeBloomFilters(fields []storage.SchemaField, rows []storage.JSONMap) storage.JSONMap {
	filters := make(storage.JSONMap)

	for _, f := range fields {
		if f.Type != "string" {
			continue
		}

		bloom := datasets.NewBloomFilter()
		seen := false

		for _, row := range rows {
			value, ok := row[f.Name].(string)
			if !ok {
				continue
			}

			bloom.Add(value)
			seen = true
		}

		if seen {
			filters[f.Name] = map[string]any(bloom.Encode())
		}
	}

	return filters
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)

		return ok && av < bv
	case float64:
		return av < toFloat(b)
	case int64:
		return float64(av) < toFloat(b)
	case bool:
		bv, ok := b.(bool)

		return ok && !av && bv
	default:
		return fmt.Sprint(a) < fmt.Sprint(b)
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
