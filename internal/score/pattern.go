// Package score provides the similarity, correlation and behavioral scoring
// primitives used by the ensemble detector.
package score

import (
	"math"
	"strconv"
	"strings"
)

// FuzzyMatch computes a weighted similarity in [0, 1] between a pattern map
// and a target map. Keys present in the pattern but missing from the target
// are skipped, not penalized. Zero overlapping keys yields 0.
func FuzzyMatch(pattern, target map[string]any, weights map[string]float64) float64 {
	if len(pattern) == 0 || len(target) == 0 {
		return 0
	}

	var weightedSum, totalWeight float64
	for key, pv := range pattern {
		tv, ok := target[key]
		if !ok {
			continue
		}

		weight := 1.0
		if w, ok := weights[key]; ok && w > 0 {
			weight = w
		}

		weightedSum += valueSimilarity(pv, tv) * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

// valueSimilarity scores two values of arbitrary shape. Mismatched types
// score 0.
func valueSimilarity(a, b any) float64 {
	if fa, aok := toFloat(a); aok {
		fb, bok := toFloat(b)
		if !bok {
			return 0
		}
		return numericSimilarity(fa, fb)
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0
		}
		return stringSimilarity(sa, sb)
	}

	if la, ok := toStringSet(a); ok {
		lb, ok := toStringSet(b)
		if !ok {
			return 0
		}
		return jaccard(la, lb)
	}

	if ma, ok := toMap(a); ok {
		mb, ok := toMap(b)
		if !ok {
			return 0
		}
		return FuzzyMatch(ma, mb, nil)
	}

	return 0
}

// numericSimilarity maps relative difference onto [0, 1]; a 10% relative
// difference or more scores 0.
func numericSimilarity(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1.0
	}
	if a == 0 || b == 0 {
		return 0.0
	}
	relDiff := math.Abs(a-b) / math.Max(math.Abs(a), math.Abs(b))
	return math.Max(0, 1-relDiff/0.1)
}

func stringSimilarity(a, b string) float64 {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return 1.0
	}
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		return 0.8
	}
	return jaccard(charSet(la), charSet(lb))
}

func charSet(s string) map[string]struct{} {
	set := make(map[string]struct{}, len(s))
	for _, r := range s {
		set[string(r)] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// toFloat coerces the numeric types that reach us from JSON decoding and
// hand-built signal maps.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// toStringSet converts slices into element sets. Numeric elements are
// rendered through their string form so arbitration-ID lists compare
// consistently regardless of decode type.
func toStringSet(v any) (map[string]struct{}, bool) {
	switch list := v.(type) {
	case []string:
		set := make(map[string]struct{}, len(list))
		for _, s := range list {
			set[s] = struct{}{}
		}
		return set, true
	case []any:
		set := make(map[string]struct{}, len(list))
		for _, e := range list {
			set[elementKey(e)] = struct{}{}
		}
		return set, true
	case []uint32:
		set := make(map[string]struct{}, len(list))
		for _, e := range list {
			set[elementKey(e)] = struct{}{}
		}
		return set, true
	case []int:
		set := make(map[string]struct{}, len(list))
		for _, e := range list {
			set[elementKey(e)] = struct{}{}
		}
		return set, true
	case []float64:
		set := make(map[string]struct{}, len(list))
		for _, e := range list {
			set[elementKey(e)] = struct{}{}
		}
		return set, true
	default:
		return nil, false
	}
}

func elementKey(v any) string {
	if f, ok := toFloat(v); ok {
		return strconvFloat(f)
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func strconvFloat(f float64) string {
	// Integral values render without a fraction so 0x200 decoded as int,
	// uint32 or float64 produces the same key.
	if f == math.Trunc(f) {
		return "i:" + strconv.FormatInt(int64(f), 10)
	}
	return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
