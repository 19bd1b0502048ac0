package score

import (
	"math"
	"testing"

	"github.com/busrecon/busrecon/internal/domain"
)

func samplesAt(name string, value float64, times ...float64) []domain.SignalSample {
	out := make([]domain.SignalSample, len(times))
	for i, ts := range times {
		out[i] = domain.SignalSample{Name: name, Value: value, Timestamp: ts}
	}
	return out
}

func TestAnalyzeBehaviorNoPatterns(t *testing.T) {
	s := &domain.DetectionSignature{Name: "plain"}
	samples := samplesAt("rpm", 3000, 0, 0.1, 0.2)

	// No declaration must not penalize the candidate.
	if got := AnalyzeBehavior(samples, s); got != 0.5 {
		t.Errorf("no patterns should score neutral 0.5, got %v", got)
	}
	if got := AnalyzeBehavior(nil, s); got != 0.5 {
		t.Errorf("no patterns with no samples should still score 0.5, got %v", got)
	}
}

func TestAnalyzeBehaviorNoSamples(t *testing.T) {
	s := &domain.DetectionSignature{
		Name: "patterned",
		BehavioralPatterns: []domain.BehavioralPattern{
			{Name: "broadcast", RequiredSignals: []string{"rpm"}},
		},
	}

	if got := AnalyzeBehavior(nil, s); got != 0 {
		t.Errorf("declared patterns with no samples should score 0, got %v", got)
	}
}

func TestAnalyzeBehaviorMissingRequiredSignal(t *testing.T) {
	s := &domain.DetectionSignature{
		Name: "patterned",
		BehavioralPatterns: []domain.BehavioralPattern{
			{Name: "broadcast", RequiredSignals: []string{"rpm", "boost"}},
		},
	}
	samples := samplesAt("rpm", 3000, 0, 0.1)

	if got := AnalyzeBehavior(samples, s); got != 0 {
		t.Errorf("missing required signal should zero the pattern, got %v", got)
	}
}

func TestAnalyzeBehaviorValueRange(t *testing.T) {
	inRange := &domain.DetectionSignature{
		Name: "ranged",
		BehavioralPatterns: []domain.BehavioralPattern{
			{
				Name:            "idle",
				RequiredSignals: []string{"rpm"},
				ValueRange:      &domain.ValueRange{Min: 700, Max: 1100},
			},
		},
	}
	samples := samplesAt("rpm", 900, 0, 0.1, 0.2)

	// Timing undeclared (0.5) averaged with value in range (1.0).
	if got := AnalyzeBehavior(samples, inRange); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("in-range value should score 0.75, got %v", got)
	}

	outOfRange := samplesAt("rpm", 5000, 0, 0.1, 0.2)
	if got := AnalyzeBehavior(outOfRange, inRange); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("out-of-range value should score 0.25, got %v", got)
	}
}

func TestAnalyzeBehaviorFrequency(t *testing.T) {
	s := &domain.DetectionSignature{
		Name: "timed",
		BehavioralPatterns: []domain.BehavioralPattern{
			{
				Name:            "broadcast",
				RequiredSignals: []string{"rpm"},
				FrequencyHz:     10,
			},
		},
	}

	// 10 samples over 0.9s: actual rate 11.1Hz against declared 10Hz.
	samples := samplesAt("rpm", 3000, 0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9)
	actual := 10.0 / 0.9
	timing := 1 - math.Abs(actual-10)/10
	want := (timing + 0.5) / 2

	if got := AnalyzeBehavior(samples, s); math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}
