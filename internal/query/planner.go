// Package query implements the dataset read path: a partition-pruning
// planner over published manifests, a file-reading executor with optional
// downsampling, and the guarded SQL gateway to the analytics engine.
package query

import (
	"context"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/datasets"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// Catalog is the slice of the dataset store the planner needs.
	Catalog interface {
		GetDatasetBySlug(ctx context.Context, slug string) (*storage.Dataset, error)
		LatestSchemaVersion(ctx context.Context, datasetID string) (*storage.SchemaVersion, error)
	}

	// Request is one dataset query.
	Request struct {
		DatasetSlug string          `json:"datasetSlug"`
		Start       time.Time       `json:"start"`
		End         time.Time       `json:"end"`
		Filters     storage.JSONMap `json:"filters,omitempty"` // column -> scalar equality, list inclusion, or {gt,gte,lt,lte} range
		Columns     []string        `json:"columns,omitempty"`
		Downsample  *Downsample     `json:"downsample,omitempty"`
		Limit       int             `json:"limit,omitempty"`
	}

	// Downsample configures time-bucketed aggregation.
	Downsample struct {
		IntervalSeconds int64    `json:"intervalSeconds"`
		Aggregations    []string `json:"aggregations,omitempty"` // avg | min | max | sum | count | median | count_distinct | percentile(p)
	}

	// Plan is the pruned partition set for a request, with pruning
	// accounting for observability.
	Plan struct {
		Dataset    *storage.Dataset
		Schema     *storage.SchemaVersion
		TimeField  string
		Partitions []*storage.DatasetPartition

		ShardsConsidered int
		PrunedByTime     int
		PrunedByKey      int
		PrunedByStats    int
		PrunedByBloom    int
	}

	// Planner prunes partitions using manifest metadata only; no
	// partition file is opened at plan time.
	Planner struct {
		catalog Catalog
		engine  *datasets.Engine
	}
)

// NewPlanner wires a query planner.
func NewPlanner(catalog Catalog, engine *datasets.Engine) *Planner {
	return &Planner{catalog: catalog, engine: engine}
}

// Plan validates the request and selects the partitions that can contain
// matching rows. Pruning is conservative: a partition survives unless its
// metadata proves it cannot match.
func (p *Planner) Plan(ctx context.Context, req *Request) (*Plan, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	dataset, err := p.catalog.GetDatasetBySlug(ctx, req.DatasetSlug)
	if err != nil {
		return nil, err
	}

	schema, err := p.catalog.LatestSchemaVersion(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}

	timeField := ""

	for _, f := range schema.Fields {
		if f.Type == "timestamp" {
			timeField = f.Name

			break
		}
	}

	if err := validateColumns(req, schema.Fields); err != nil {
		return nil, err
	}

	shards, err := p.engine.Shards(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Dataset:          dataset,
		Schema:           schema,
		TimeField:        timeField,
		ShardsConsidered: len(shards),
	}

	for _, shard := range shards {
		view, err := p.engine.LatestView(ctx, dataset.ID, shard)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				continue
			}

			return nil, err
		}

		for _, partition := range view.Partitions {
			switch prunePartition(partition, req) {
			case pruneKeep:
				plan.Partitions = append(plan.Partitions, partition)
			case pruneTime:
				plan.PrunedByTime++
			case pruneKey:
				plan.PrunedByKey++
			case pruneStats:
				plan.PrunedByStats++
			case pruneBloom:
				plan.PrunedByBloom++
			}
		}
	}

	return plan, nil
}

type pruneReason int

const (
	pruneKeep pruneReason = iota
	pruneTime
	pruneKey
	pruneStats
	pruneBloom
)

// prunePartition decides whether a partition can be skipped, in cheapest-
// check-first order: time range, partition key, column statistics, bloom
// filter.
func prunePartition(p *storage.DatasetPartition, req *Request) pruneReason {
	if p.StartTime.After(req.End) || p.EndTime.Before(req.Start) {
		return pruneTime
	}

	for column, want := range req.Filters {
		if have, ok := p.PartitionKey[column]; ok {
			if !matchPredicate(have, want) {
				return pruneKey
			}

			continue
		}

		if statsExclude(p.ColumnStatistics, column, want) {
			return pruneStats
		}

		if bloomExcludes(p.ColumnBloomFilters, column, want) {
			return pruneBloom
		}
	}

	return pruneKeep
}

// statsExclude reports whether min/max statistics prove the predicate can
// match nothing in the partition. Unprovable cases never prune.
func statsExclude(stats storage.JSONMap, column string, want any) bool {
	entry, ok := stats[column].(map[string]any)
	if !ok {
		if typed, isTyped := stats[column].(storage.JSONMap); isTyped {
			entry = map[string]any(typed)
		} else {
			return false
		}
	}

	minVal, hasMin := entry["min"]
	maxVal, hasMax := entry["max"]

	if !hasMin || !hasMax {
		return false
	}

	if members, isList := want.([]any); isList {
		if len(members) == 0 {
			return false
		}

		for _, member := range members {
			if !scalarStatsExclude(minVal, maxVal, member) {
				return false
			}
		}

		return true
	}

	if bounds, isRange := comparisonBounds(want); isRange {
		return rangeStatsExclude(minVal, maxVal, bounds)
	}

	return scalarStatsExclude(minVal, maxVal, want)
}

func scalarStatsExclude(minVal, maxVal, want any) bool {
	switch w := want.(type) {
	case string:
		minS, okMin := minVal.(string)
		maxS, okMax := maxVal.(string)

		return okMin && okMax && (w < minS || w > maxS)
	case float64:
		minF, okMin := asFloat(minVal)
		maxF, okMax := asFloat(maxVal)

		return okMin && okMax && (w < minF || w > maxF)
	default:
		return false
	}
}

// rangeStatsExclude proves a {gt,gte,lt,lte} predicate disjoint from the
// partition's [min,max] envelope. One provably disjoint bound suffices.
func rangeStatsExclude(minVal, maxVal any, bounds map[string]any) bool {
	for op, bound := range bounds {
		switch op {
		case "gt":
			if cmp, ok := compareValues(maxVal, bound); ok && cmp <= 0 {
				return true
			}
		case "gte":
			if cmp, ok := compareValues(maxVal, bound); ok && cmp < 0 {
				return true
			}
		case "lt":
			if cmp, ok := compareValues(minVal, bound); ok && cmp >= 0 {
				return true
			}
		case "lte":
			if cmp, ok := compareValues(minVal, bound); ok && cmp > 0 {
				return true
			}
		}
	}

	return false
}

// bloomExcludes reports whether a string-column bloom filter proves the
// predicate absent: a single value, or every member of an inclusion list.
// Missing or undecodable filters never prune.
func bloomExcludes(filters storage.JSONMap, column string, want any) bool {
	var values []string

	switch w := want.(type) {
	case string:
		values = []string{w}
	case []any:
		for _, member := range w {
			s, ok := member.(string)
			if !ok {
				return false
			}

			values = append(values, s)
		}

		if len(values) == 0 {
			return false
		}
	default:
		return false
	}

	raw, ok := filters[column]
	if !ok {
		return false
	}

	if typed, isTyped := raw.(storage.JSONMap); isTyped {
		raw = map[string]any(typed)
	}

	bloom, err := datasets.DecodeBloomFilter(raw)
	if err != nil {
		return false
	}

	for _, value := range values {
		if bloom.MightContain(value) {
			return false
		}
	}

	return true
}

func validateRequest(req *Request) error {
	if req.DatasetSlug == "" {
		return apperr.New(apperr.KindValidation, "datasetSlug is required")
	}

	if req.Start.IsZero() || req.End.IsZero() {
		return apperr.New(apperr.KindValidation, "start and end are required")
	}

	if !req.Start.Before(req.End) {
		return apperr.New(apperr.KindValidation, "start must be before end")
	}

	if req.Limit < 0 {
		return apperr.New(apperr.KindValidation, "limit must not be negative")
	}

	if req.Downsample != nil {
		if req.Downsample.IntervalSeconds <= 0 {
			return apperr.New(apperr.KindValidation, "downsample interval must be positive")
		}

		if _, err := parseAggregations(req.Downsample.Aggregations); err != nil {
			return err
		}
	}

	return nil
}

func validateColumns(req *Request, fields []storage.SchemaField) error {
	known := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		known[f.Name] = struct{}{}
	}

	for _, col := range req.Columns {
		if _, ok := known[col]; !ok {
			return apperr.Newf(apperr.KindValidation, "unknown column %q", col)
		}
	}

	for col := range req.Filters {
		if _, ok := known[col]; !ok {
			return apperr.Newf(apperr.KindValidation, "unknown filter column %q", col)
		}
	}

	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
