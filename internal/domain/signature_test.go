package domain

import "testing"

func TestClampConfidenceWeight(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0, 0},
		{1.0, 1.0},
		{2.0, 2.0},
		{5.0, 2.0},
	}

	for _, tt := range tests {
		if got := ClampConfidenceWeight(tt.in); got != tt.want {
			t.Errorf("ClampConfidenceWeight(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValueRangeContains(t *testing.T) {
	r := &ValueRange{Min: 700, Max: 1100}

	tests := []struct {
		v    float64
		want bool
	}{
		{700, true},
		{1100, true},
		{900, true},
		{699.9, false},
		{1100.1, false},
	}

	for _, tt := range tests {
		if got := r.Contains(tt.v); got != tt.want {
			t.Errorf("Contains(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
}
