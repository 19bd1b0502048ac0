package domain

import "testing"

func TestLevelFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       ConfidenceLevel
	}{
		{1.0, LevelVeryHigh},
		{0.95, LevelVeryHigh},
		{0.9499, LevelHigh},
		{0.80, LevelHigh},
		{0.7999, LevelMedium},
		{0.60, LevelMedium},
		{0.5999, LevelLow},
		{0.40, LevelLow},
		{0.3999, LevelVeryLow},
		{0, LevelVeryLow},
	}

	for _, tt := range tests {
		if got := LevelFor(tt.confidence); got != tt.want {
			t.Errorf("LevelFor(%v) = %v, want %v", tt.confidence, got, tt.want)
		}
	}
}
