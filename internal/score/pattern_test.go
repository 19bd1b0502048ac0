package score

import (
	"math"
	"testing"
)

func TestFuzzyMatchIdentity(t *testing.T) {
	pattern := map[string]any{
		"rpm":      float64(6500),
		"protocol": "haltech-v2",
		"can_ids":  []string{"0x360", "0x361"},
	}

	got := FuzzyMatch(pattern, pattern, nil)
	if got != 1.0 {
		t.Errorf("identical maps should score 1.0, got %v", got)
	}
}

func TestFuzzyMatchEmpty(t *testing.T) {
	if got := FuzzyMatch(nil, map[string]any{"a": 1}, nil); got != 0 {
		t.Errorf("empty pattern should score 0, got %v", got)
	}
	if got := FuzzyMatch(map[string]any{"a": 1}, nil, nil); got != 0 {
		t.Errorf("empty target should score 0, got %v", got)
	}
}

func TestFuzzyMatchNumeric(t *testing.T) {
	tests := []struct {
		name    string
		pattern float64
		target  float64
		want    float64
	}{
		{"equal", 1000, 1000, 1.0},
		{"both zero", 0, 0, 1.0},
		{"one zero", 0, 5, 0.0},
		{"five percent off", 1000, 1050, 1 - (50.0/1050.0)/0.1},
		{"ten percent off", 1000, 900, 0.0},
		{"far apart", 1000, 5000, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FuzzyMatch(
				map[string]any{"v": tt.pattern},
				map[string]any{"v": tt.target},
				nil,
			)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FuzzyMatch(%v, %v) = %v, want %v", tt.pattern, tt.target, got, tt.want)
			}
		})
	}
}

func TestFuzzyMatchStrings(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		target  string
		want    float64
	}{
		{"exact", "Haltech", "Haltech", 1.0},
		{"case insensitive", "HALTECH", "haltech", 1.0},
		{"substring", "haltech", "haltech-elite", 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FuzzyMatch(
				map[string]any{"v": tt.pattern},
				map[string]any{"v": tt.target},
				nil,
			)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFuzzyMatchSets(t *testing.T) {
	t.Run("identical across element types", func(t *testing.T) {
		// Arbitration IDs decode as float64 from JSON but are built as
		// uint32 in code; the set comparison must not care.
		pattern := map[string]any{"ids": []uint32{0x200, 0x201}}
		target := map[string]any{"ids": []any{float64(0x200), float64(0x201)}}

		if got := FuzzyMatch(pattern, target, nil); got != 1.0 {
			t.Errorf("equal sets should score 1.0, got %v", got)
		}
	})

	t.Run("partial overlap", func(t *testing.T) {
		pattern := map[string]any{"ids": []string{"a", "b", "c"}}
		target := map[string]any{"ids": []string{"b", "c", "d"}}

		// Jaccard: 2 shared / 4 union.
		if got := FuzzyMatch(pattern, target, nil); math.Abs(got-0.5) > 1e-9 {
			t.Errorf("got %v, want 0.5", got)
		}
	})

	t.Run("disjoint", func(t *testing.T) {
		pattern := map[string]any{"ids": []string{"a"}}
		target := map[string]any{"ids": []string{"b"}}

		if got := FuzzyMatch(pattern, target, nil); got != 0 {
			t.Errorf("disjoint sets should score 0, got %v", got)
		}
	})
}

func TestFuzzyMatchTypeMismatch(t *testing.T) {
	pattern := map[string]any{"v": float64(100)}
	target := map[string]any{"v": "100"}

	if got := FuzzyMatch(pattern, target, nil); got != 0 {
		t.Errorf("mismatched types should score 0, got %v", got)
	}
}

func TestFuzzyMatchMissingKeysSkipped(t *testing.T) {
	pattern := map[string]any{
		"rpm":   float64(6500),
		"boost": float64(22),
	}
	target := map[string]any{
		"rpm": float64(6500),
	}

	// The missing key is skipped, not penalized; the overlap is perfect.
	if got := FuzzyMatch(pattern, target, nil); got != 1.0 {
		t.Errorf("missing keys should be skipped, got %v", got)
	}
}

func TestFuzzyMatchWeights(t *testing.T) {
	pattern := map[string]any{
		"a": float64(1),
		"b": float64(1),
	}
	target := map[string]any{
		"a": float64(1),
		"b": float64(999),
	}
	weights := map[string]float64{"a": 3}

	// (1*3 + 0*1) / 4
	if got := FuzzyMatch(pattern, target, weights); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("got %v, want 0.75", got)
	}
}

func TestFuzzyMatchNested(t *testing.T) {
	pattern := map[string]any{
		"meta": map[string]any{"firmware": "1.4", "cells": float64(16)},
	}
	target := map[string]any{
		"meta": map[string]any{"firmware": "1.4", "cells": float64(16)},
	}

	if got := FuzzyMatch(pattern, target, nil); got != 1.0 {
		t.Errorf("nested identical maps should score 1.0, got %v", got)
	}
}
