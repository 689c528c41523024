package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/ingest"
	"github.com/apphub-io/timestore/internal/storage"
)

// defaultLimit bounds result sets when the request does not.
const defaultLimit = 10000

type (
	// Result is an executed query.
	Result struct {
		Rows              []storage.JSONMap `json:"rows"`
		ScannedPartitions int               `json:"scannedPartitions"`
		ScannedRows       int64             `json:"scannedRows"`
		Truncated         bool              `json:"truncated"`
	}

	// Executor evaluates plans against partition files.
	Executor struct {
		reader *ingest.PartitionWriter
	}
)

// NewExecutor wires a query executor over the partition file reader.
func NewExecutor(reader *ingest.PartitionWriter) *Executor {
	return &Executor{reader: reader}
}

// Execute scans the plan's partitions, filters and projects rows, sorts by
// time ascending, and applies downsampling and the row limit.
func (e *Executor) Execute(ctx context.Context, plan *Plan, req *Request) (*Result, error) {
	if plan.TimeField == "" {
		return nil, apperr.New(apperr.KindValidation, "dataset schema has no timestamp field")
	}

	result := &Result{ScannedPartitions: len(plan.Partitions)}

	var matched []storage.JSONMap

	for _, partition := range plan.Partitions {
		rows, err := e.reader.Read(ctx, partition.FilePath)
		if err != nil {
			return nil, fmt.Errorf("read partition %s: %w", partition.ID, err)
		}

		result.ScannedRows += int64(len(rows))

		for _, row := range rows {
			ts, ok := rowTime(row, plan.TimeField)
			if !ok || ts.Before(req.Start) || ts.After(req.End) {
				continue
			}

			if !matchesFilters(row, req.Filters) {
				continue
			}

			matched = append(matched, row)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ti, _ := rowTime(matched[i], plan.TimeField)
		tj, _ := rowTime(matched[j], plan.TimeField)

		return ti.Before(tj)
	})

	if req.Downsample != nil {
		downsampled, err := downsample(matched, plan, req.Downsample)
		if err != nil {
			return nil, err
		}

		matched = downsampled
	}

	if len(req.Columns) > 0 && req.Downsample == nil {
		matched = project(matched, plan.TimeField, req.Columns)
	}

	limit := req.Limit
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}

	if len(matched) > limit {
		matched = matched[:limit]
		result.Truncated = true
	}

	result.Rows = matched

	return result, nil
}

func rowTime(row storage.JSONMap, timeField string) (time.Time, bool) {
	rendered, ok := row[timeField].(string)
	if !ok {
		return time.Time{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, rendered)
	if err != nil {
		return time.Time{}, false
	}

	return ts, true
}

func matchesFilters(row storage.JSONMap, filters storage.JSONMap) bool {
	for column, want := range filters {
		have, ok := row[column]
		if !ok {
			return false
		}

		if !matchPredicate(have, want) {
			return false
		}
	}

	return true
}

// project keeps the requested columns plus the time column.
func project(rows []storage.JSONMap, timeField string, columns []string) []storage.JSONMap {
	keep := make(map[string]struct{}, len(columns)+1)
	keep[timeField] = struct{}{}

	for _, col := range columns {
		keep[col] = struct{}{}
	}

	out := make([]storage.JSONMap, len(rows))

	for i, row := range rows {
		projected := make(storage.JSONMap, len(keep))

		for col := range keep {
			if v, ok := row[col]; ok {
				projected[col] = v
			}
		}

		out[i] = projected
	}

	return out
}
