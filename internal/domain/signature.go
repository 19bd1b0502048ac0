// Package domain defines the core interfaces and types for busrecon.
package domain

// SignatureType categorizes the kind of device a signature describes.
type SignatureType string

const (
	SignatureStandalone SignatureType = "standalone_ecu"
	SignaturePiggyback  SignatureType = "piggyback"
	SignatureOEM        SignatureType = "oem_module"
	SignatureDatalogger SignatureType = "datalogger"
	SignatureGeneric    SignatureType = "generic"
)

// DetectionSignature describes how a known device presents itself on the bus.
// PrimarySignals must be non-empty for the signature to ever match.
type DetectionSignature struct {
	Name   string        `json:"name"`
	Type   SignatureType `json:"type"`
	Vendor string        `json:"vendor,omitempty"`

	// PrimarySignals are the signals that identify the device. Values may be
	// numbers, strings, string slices (treated as sets) or nested maps.
	PrimarySignals map[string]any `json:"primarySignals"`

	// SecondarySignals corroborate a match but cannot establish one.
	SecondarySignals map[string]any `json:"secondarySignals,omitempty"`

	// SignalWeights optionally weighs individual primary signals during
	// fuzzy matching. Unlisted signals default to weight 1.
	SignalWeights map[string]float64 `json:"signalWeights,omitempty"`

	// BehavioralPatterns describe expected timing and value behavior.
	BehavioralPatterns []BehavioralPattern `json:"behavioralPatterns,omitempty"`

	// FrequencyPatterns maps signal names to expected broadcast rates in Hz.
	FrequencyPatterns map[string]float64 `json:"frequencyPatterns,omitempty"`

	// ExpectedCorrelations maps signal-pair keys ("a|b") to expected
	// absolute Pearson correlation.
	ExpectedCorrelations map[string]float64 `json:"expectedCorrelations,omitempty"`

	// ConfidenceWeight is a per-signature multiplier in [0, 2.0], adjusted
	// over time by the learning routine and by nothing else.
	ConfidenceWeight float64 `json:"confidenceWeight"`

	// Guard is an optional CEL expression over the observed signal map.
	// A guard returning false vetoes the signature for that pass.
	Guard string `json:"guard,omitempty"`
}

// BehavioralPattern declares timing and value expectations for a set of signals.
type BehavioralPattern struct {
	Name            string      `json:"name"`
	RequiredSignals []string    `json:"requiredSignals"`
	FrequencyHz     float64     `json:"frequencyHz,omitempty"` // 0 = undeclared
	ValueRange      *ValueRange `json:"valueRange,omitempty"`
}

// ValueRange is an inclusive numeric range.
type ValueRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v falls inside the range.
func (r *ValueRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// SignalSample is one timestamped observation of a named signal.
type SignalSample struct {
	Name      string  `json:"name"`
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp"` // seconds since capture start
}

// MaxConfidenceWeight bounds signature reinforcement.
const MaxConfidenceWeight = 2.0

// ClampConfidenceWeight forces w into [0, MaxConfidenceWeight].
func ClampConfidenceWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > MaxConfidenceWeight {
		return MaxConfidenceWeight
	}
	return w
}
