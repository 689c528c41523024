package query

import (
	"fmt"

	"github.com/apphub-io/timestore/internal/storage"
)

// Filter values take three forms: a scalar for equality, a list for
// inclusion, and a {gt,gte,lt,lte} object for range comparison. The planner
// and the executor evaluate them with the same rules so pruning never
// disagrees with row filtering.

// comparisonBounds extracts the range form. Any other key disqualifies the
// map so that structured equality values keep matching as scalars.
func comparisonBounds(want any) (map[string]any, bool) {
	var entry map[string]any

	switch m := want.(type) {
	case map[string]any:
		entry = m
	case storage.JSONMap:
		entry = map[string]any(m)
	default:
		return nil, false
	}

	if len(entry) == 0 {
		return nil, false
	}

	for key := range entry {
		switch key {
		case "gt", "gte", "lt", "lte":
		default:
			return nil, false
		}
	}

	return entry, true
}

// matchPredicate reports whether a concrete value satisfies a filter value.
// A comparison against an incomparable value (type mismatch) does not match.
func matchPredicate(have, want any) bool {
	if members, ok := want.([]any); ok {
		for _, member := range members {
			if scalarEqual(have, member) {
				return true
			}
		}

		return false
	}

	if bounds, ok := comparisonBounds(want); ok {
		return satisfiesBounds(have, bounds)
	}

	return scalarEqual(have, want)
}

func scalarEqual(have, want any) bool {
	return fmt.Sprint(have) == fmt.Sprint(want)
}

func satisfiesBounds(have any, bounds map[string]any) bool {
	for op, bound := range bounds {
		cmp, ok := compareValues(have, bound)
		if !ok {
			return false
		}

		switch op {
		case "gt":
			if cmp <= 0 {
				return false
			}
		case "gte":
			if cmp < 0 {
				return false
			}
		case "lt":
			if cmp >= 0 {
				return false
			}
		case "lte":
			if cmp > 0 {
				return false
			}
		}
	}

	return true
}

// compareValues orders two values numerically when both coerce to float,
// lexicographically when both are strings (which covers RFC 3339
// timestamps), and not at all otherwise.
func compareValues(have, bound any) (int, bool) {
	if hf, ok := asFloat(have); ok {
		bf, ok := asFloat(bound)
		if !ok {
			return 0, false
		}

		switch {
		case hf < bf:
			return -1, true
		case hf > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	hs, okH := have.(string)
	bs, okB := bound.(string)

	if !okH || !okB {
		return 0, false
	}

	switch {
	case hs < bs:
		return -1, true
	case hs > bs:
		return 1, true
	default:
		return 0, true
	}
}
