package domain

import "time"

// ECUType classifies a detected controller.
type ECUType string

const (
	ECUStandalone ECUType = "standalone"
	ECUPiggyback  ECUType = "piggyback"
	ECUOEM        ECUType = "oem"
	ECUTuning     ECUType = "tuning_module"
	ECUUnknown    ECUType = "unknown"
)

// ConflictType classifies a shared-medium conflict.
type ConflictType string

const (
	ConflictCANIDCollision    ConflictType = "CAN_ID_COLLISION"
	ConflictPiggybackConflict ConflictType = "PIGGYBACK_CONFLICT"
	ConflictDualControl       ConflictType = "DUAL_CONTROL"
)

// Conflict records one conflict annotation on a detected ECU.
type Conflict struct {
	Type          ConflictType `json:"type"`
	Detail        string       `json:"detail"`
	ArbitrationID uint32       `json:"arbitrationId,omitempty"`
	PeerECUs      []string     `json:"peerEcus,omitempty"`
}

// DetectedECU is one controller identified during a sampling run.
// It is created per run and mutated only by the conflict resolver and
// primary election within the same run.
type DetectedECU struct {
	ID             string         `json:"id"`
	Vendor         string         `json:"vendor"`
	Type           ECUType        `json:"type"`
	ArbitrationIDs []uint32       `json:"arbitrationIds"`
	MessageRate    float64        `json:"messageRate"` // frames/second over the window
	Confidence     float64        `json:"confidence"`
	IsPrimary      bool           `json:"isPrimary"`
	Conflicts      []Conflict     `json:"conflicts,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PiggybackSystem describes an interceptor module detected alongside an ECU.
type PiggybackSystem struct {
	Name              string   `json:"name"`
	ArbitrationIDs    []uint32 `json:"arbitrationIds"`
	InterceptsSignals []string `json:"interceptsSignals,omitempty"`
	ModifiesSignals   []string `json:"modifiesSignals,omitempty"`
	Confidence        float64  `json:"confidence"`
}

// ConflictSummary is a read-only aggregate over one run's conflicts.
type ConflictSummary struct {
	CANIDCollisions    int      `json:"canIdCollisions"`
	PiggybackConflicts int      `json:"piggybackConflicts"`
	DualControl        int      `json:"dualControl"`
	AffectedECUs       []string `json:"affectedEcus,omitempty"`
}

// Total returns the number of conflict entries across all classes.
func (s ConflictSummary) Total() int {
	return s.CANIDCollisions + s.PiggybackConflicts + s.DualControl
}

// ScanReport is the persisted outcome of one classification run.
type ScanReport struct {
	ID              string             `json:"id"`
	VehicleID       string             `json:"vehicleId"`
	StartedAt       time.Time          `json:"startedAt"`
	WindowSeconds   float64            `json:"windowSeconds"`
	FramesObserved  int                `json:"framesObserved"`
	ECUs            []*DetectedECU     `json:"ecus"`
	Piggybacks      []*PiggybackSystem `json:"piggybacks,omitempty"`
	Summary         ConflictSummary    `json:"summary"`
	Recommendations []string           `json:"recommendations,omitempty"`
}
