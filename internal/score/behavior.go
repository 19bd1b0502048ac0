package score

import (
	"math"

	"github.com/busrecon/busrecon/internal/domain"
)

// Neutral score returned when a signature declares no behavioral patterns.
// The absence of a declaration must not penalize the candidate.
const neutralBehaviorScore = 0.5

// AnalyzeBehavior scores a timestamped sample sequence against a signature's
// declared behavioral patterns, in [0, 1]. A signature with no patterns
// scores the neutral 0.5 regardless of samples; an empty sample set scores 0.
func AnalyzeBehavior(samples []domain.SignalSample, sig *domain.DetectionSignature) float64 {
	if sig == nil || len(sig.BehavioralPatterns) == 0 {
		return neutralBehaviorScore
	}
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, pattern := range sig.BehavioralPatterns {
		sum += patternScore(samples, &pattern)
	}
	return sum / float64(len(sig.BehavioralPatterns))
}

// patternScore averages the timing and value sub-scores for one pattern.
// Missing any required signal zeroes the pattern outright.
func patternScore(samples []domain.SignalSample, pattern *domain.BehavioralPattern) float64 {
	relevant := make([]domain.SignalSample, 0, len(samples))
	seen := make(map[string]struct{})
	required := make(map[string]struct{}, len(pattern.RequiredSignals))
	for _, name := range pattern.RequiredSignals {
		required[name] = struct{}{}
	}

	for _, s := range samples {
		if _, ok := required[s.Name]; ok {
			relevant = append(relevant, s)
			seen[s.Name] = struct{}{}
		}
	}

	for name := range required {
		if _, ok := seen[name]; !ok {
			return 0
		}
	}

	timing := timingScore(relevant, pattern)
	value := valueScore(relevant, pattern)
	return (timing + value) / 2
}

// timingScore compares the observed sample rate against a declared frequency.
// Without a declared frequency the sub-score is the neutral 0.5.
func timingScore(samples []domain.SignalSample, pattern *domain.BehavioralPattern) float64 {
	if pattern.FrequencyHz <= 0 {
		return neutralBehaviorScore
	}
	if len(samples) < 2 {
		return 0
	}

	first, last := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples[1:] {
		if s.Timestamp < first {
			first = s.Timestamp
		}
		if s.Timestamp > last {
			last = s.Timestamp
		}
	}

	span := last - first
	if span <= 0 {
		return 0
	}

	actual := float64(len(samples)) / span
	return math.Max(0, 1-math.Abs(actual-pattern.FrequencyHz)/pattern.FrequencyHz)
}

// valueScore checks whether the average observed value sits inside a declared
// range. Without a declared range the sub-score is the neutral 0.5.
func valueScore(samples []domain.SignalSample, pattern *domain.BehavioralPattern) float64 {
	if pattern.ValueRange == nil {
		return neutralBehaviorScore
	}

	var sum float64
	count := 0
	for _, s := range samples {
		if v, ok := toFloat(s.Value); ok {
			sum += v
			count++
		}
	}
	if count == 0 {
		return 0
	}

	if pattern.ValueRange.Contains(sum / float64(count)) {
		return 1.0
	}
	return 0
}
