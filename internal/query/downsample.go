package query

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// aggregation is one parsed downsample aggregation. Percentiles carry their
// quantile; every aggregation knows its output column suffix.
type aggregation struct {
	name   string
	p      float64
	suffix string
}

var percentilePattern = regexp.MustCompile(`^percentile\(\s*([^)]+)\s*\)$`)

// parseAggregations validates the requested aggregation names. An empty
// request defaults to avg. Percentiles take the form percentile(p) with p in
// [0, 1].
func parseAggregations(specs []string) ([]aggregation, error) {
	if len(specs) == 0 {
		specs = []string{"avg"}
	}

	aggs := make([]aggregation, 0, len(specs))

	for _, spec := range specs {
		name := strings.TrimSpace(spec)

		switch name {
		case "avg", "min", "max", "sum", "count", "median", "count_distinct":
			aggs = append(aggs, aggregation{name: name, suffix: name})

			continue
		}

		if m := percentilePattern.FindStringSubmatch(name); m != nil {
			p, err := strconv.ParseFloat(strings.TrimSpace(m[1]), 64)
			if err != nil {
				return nil, apperr.Newf(apperr.KindValidation,
					"percentile argument %q is not a number", m[1])
			}

			if p < 0 || p > 1 {
				return nil, apperr.Newf(apperr.KindValidation,
					"percentile %v is out of range [0, 1]", p)
			}

			aggs = append(aggs, aggregation{
				name:   "percentile",
				p:      p,
				suffix: "p" + strconv.FormatFloat(p*100, 'f', -1, 64),
			})

			continue
		}

		return nil, apperr.Newf(apperr.KindValidation,
			"unknown aggregation %q: expected avg, min, max, sum, count, median, count_distinct, or percentile(p)", name)
	}

	return aggs, nil
}

// downsample buckets sorted rows into fixed intervals aligned to the epoch
// and aggregates numeric columns; count_distinct additionally covers string
// columns. Each bucket row carries the bucket start in the time column, one
// "<column>_<agg>" value per aggregation, and a "count" of bucket rows.
func downsample(rows []storage.JSONMap, plan *Plan, spec *Downsample) ([]storage.JSONMap, error) {
	aggs, err := parseAggregations(spec.Aggregations)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return rows, nil
	}

	interval := time.Duration(spec.IntervalSeconds) * time.Second

	var needValues, needDistinct bool

	for _, agg := range aggs {
		switch agg.name {
		case "median", "percentile":
			needValues = true
		case "count_distinct":
			needDistinct = true
		}
	}

	numeric := map[string]bool{}
	aggregable := map[string]bool{}

	for _, f := range plan.Schema.Fields {
		if f.Type == "double" || f.Type == "integer" {
			numeric[f.Name] = true
			aggregable[f.Name] = true
		}

		if needDistinct && f.Type == "string" {
			aggregable[f.Name] = true
		}
	}

	type bucket struct {
		start    time.Time
		count    int64
		seen     map[string]int64
		sum      map[string]float64
		min      map[string]float64
		max      map[string]float64
		values   map[string][]float64
		distinct map[string]map[string]struct{}
	}

	buckets := map[int64]*bucket{}

	for _, row := range rows {
		ts, ok := rowTime(row, plan.TimeField)
		if !ok {
			continue
		}

		start := ts.Truncate(interval)
		key := start.UnixNano()

		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				start: start,
				seen:  map[string]int64{},
				sum:   map[string]float64{},
				min:   map[string]float64{},
				max:   map[string]float64{},
			}

			if needValues {
				b.values = map[string][]float64{}
			}

			if needDistinct {
				b.distinct = map[string]map[string]struct{}{}
			}

			buckets[key] = b
		}

		b.count++

		for column := range aggregable {
			raw, present := row[column]
			if !present || raw == nil {
				continue
			}

			if needDistinct {
				set, ok := b.distinct[column]
				if !ok {
					set = map[string]struct{}{}
					b.distinct[column] = set
				}

				set[fmt.Sprint(raw)] = struct{}{}
			}

			if !numeric[column] {
				continue
			}

			value, ok := asFloat(raw)
			if !ok {
				continue
			}

			b.seen[column]++
			b.sum[column] += value

			if cur, seen := b.min[column]; !seen || value < cur {
				b.min[column] = value
			}

			if cur, seen := b.max[column]; !seen || value > cur {
				b.max[column] = value
			}

			if needValues {
				b.values[column] = append(b.values[column], value)
			}
		}
	}

	keys := make([]int64, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]storage.JSONMap, 0, len(keys))

	for _, key := range keys {
		b := buckets[key]
		row := storage.JSONMap{
			plan.TimeField: b.start.UTC().Format(time.RFC3339Nano),
			"count":        b.count,
		}

		if needValues {
			for column := range b.values {
				sort.Float64s(b.values[column])
			}
		}

		for column := range aggregable {
			for _, agg := range aggs {
				label := column + "_" + agg.suffix

				if agg.name == "count_distinct" {
					if set, ok := b.distinct[column]; ok {
						row[label] = int64(len(set))
					}

					continue
				}

				n := b.seen[column]
				if n == 0 {
					continue
				}

				switch agg.name {
				case "avg":
					row[label] = b.sum[column] / float64(n)
				case "sum":
					row[label] = b.sum[column]
				case "min":
					row[label] = b.min[column]
				case "max":
					row[label] = b.max[column]
				case "count":
					row[label] = n
				case "median":
					row[label] = quantile(b.values[column], 0.5)
				case "percentile":
					row[label] = quantile(b.values[column], agg.p)
				}
			}
		}

		out = append(out, row)
	}

	return out, nil
}

// quantile interpolates linearly between the two nearest ranks of a sorted
// sample.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p * float64(len(sorted)-1)
	lo := int(rank)

	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}

	frac := rank - float64(lo)

	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
