package domain

import "time"

// Method identifies one detection strategy. It is a closed set: every value
// has exactly one handler in the ensemble detector.
type Method string

const (
	MethodSignature  Method = "SIGNATURE"
	MethodPattern    Method = "PATTERN"
	MethodBehavioral Method = "BEHAVIORAL"
	MethodFuzzy      Method = "FUZZY"
	MethodEnsemble   Method = "ENSEMBLE"
)

// ConfidenceLevel is a deterministic band derived from a confidence score.
type ConfidenceLevel string

const (
	LevelVeryHigh ConfidenceLevel = "VERY_HIGH"
	LevelHigh     ConfidenceLevel = "HIGH"
	LevelMedium   ConfidenceLevel = "MEDIUM"
	LevelLow      ConfidenceLevel = "LOW"
	LevelVeryLow  ConfidenceLevel = "VERY_LOW"
)

// LevelFor maps a confidence score to its band. Boundaries are inclusive on
// the lower edge: 0.80 exactly is HIGH.
func LevelFor(confidence float64) ConfidenceLevel {
	switch {
	case confidence >= 0.95:
		return LevelVeryHigh
	case confidence >= 0.80:
		return LevelHigh
	case confidence >= 0.60:
		return LevelMedium
	case confidence >= 0.40:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// DetectionResult is the outcome of scoring one candidate identity.
// Results are immutable once produced; the ensemble step creates merged
// copies rather than mutating inputs.
type DetectionResult struct {
	DetectedItem       string          `json:"detectedItem"`
	Method             Method          `json:"method"`
	Confidence         float64         `json:"confidence"` // [0, 1]
	Level              ConfidenceLevel `json:"level"`
	SignalsMatched     []string        `json:"signalsMatched,omitempty"`
	SignalsMissing     []string        `json:"signalsMissing,omitempty"`
	CorrelationScore   float64         `json:"correlationScore,omitempty"`
	BehavioralScore    float64         `json:"behavioralScore,omitempty"`
	AlternativeMatches []string        `json:"alternativeMatches,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// DetectionFeedback is the payload handed to the adaptive learner after a
// detection pass, off the hot path.
type DetectionFeedback struct {
	DetectedItem string         `json:"detectedItem"`
	Confidence   float64        `json:"confidence"`
	Signals      map[string]any `json:"signals,omitempty"`
	CorrectItem  string         `json:"correctItem,omitempty"`
	Verified     bool           `json:"verified"`
	Timestamp    time.Time      `json:"timestamp"`
}

// DetectorStats is the counter snapshot exposed to dashboards and tests.
type DetectorStats struct {
	TotalDetections      int     `json:"totalDetections"`
	TotalResults         int     `json:"totalResults"`
	AvgConfidence        float64 `json:"avgConfidence"`
	RegisteredSignatures int     `json:"registeredSignatures"`
	HistorySize          int     `json:"historySize"`
}
