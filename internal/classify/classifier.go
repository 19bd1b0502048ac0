package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busrecon/busrecon/internal/canbus"
	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
)

// Classifier turns CAN bus captures into classified ECU records through a
// fixed pipeline: standalone detection, piggyback detection, OEM detection,
// conflict analysis, primary election. Each step is independently
// fault-tolerant: one step's failure never discards another's results.
type Classifier struct {
	mu       sync.Mutex
	sampler  *canbus.Sampler
	detector *detect.Detector
	resolver *Resolver

	vendors    []VendorSignature
	piggybacks []PiggybackSignature

	lastECUs            []*domain.DetectedECU
	lastPiggybacks      []*domain.PiggybackSystem
	lastSummary         domain.ConflictSummary
	lastRecommendations []string
	lastFrames          int
}

// NewClassifier creates a classifier over the given sampler. The detector is
// optional; when present, the built-in footprints are registered with it so
// generic signal-map detection and CAN classification agree.
func NewClassifier(sampler *canbus.Sampler, detector *detect.Detector) *Classifier {
	c := &Classifier{
		sampler:    sampler,
		detector:   detector,
		resolver:   NewResolver(),
		vendors:    BuiltinVendorSignatures(),
		piggybacks: BuiltinPiggybackSignatures(),
	}

	if detector != nil {
		for _, sig := range DetectionSignatures() {
			if err := detector.RegisterSignature(sig); err != nil {
				slog.Warn("failed to register built-in signature",
					"signature", sig.Name,
					"error", err,
				)
			}
		}
	}

	return c
}

// DetectAllECUs samples the bus for the given window and classifies every
// device it can. A bus that cannot be sampled at all is a hard failure
// returning an empty list; everything past sampling degrades per step.
func (c *Classifier) DetectAllECUs(ctx context.Context, window time.Duration) ([]*domain.DetectedECU, error) {
	capture, err := c.sampler.Sample(ctx, window)
	if err != nil && capture == nil {
		slog.Error("bus sampling failed",
			"error", err,
		)
		return nil, err
	}

	ecus, piggybacks, summary, recommendations := c.Classify(capture)

	c.mu.Lock()
	c.lastECUs = ecus
	c.lastPiggybacks = piggybacks
	c.lastSummary = summary
	c.lastRecommendations = recommendations
	c.lastFrames = capture.TotalFrames
	c.mu.Unlock()

	return ecus, nil
}

// Classify runs the classification pipeline over an existing capture.
func (c *Classifier) Classify(capture *domain.BusCapture) ([]*domain.DetectedECU, []*domain.PiggybackSystem, domain.ConflictSummary, []string) {
	var ecus []*domain.DetectedECU
	var piggybacks []*domain.PiggybackSystem

	elapsed := capture.Elapsed.Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}

	c.runStep("standalone", func() {
		if ecu := c.detectStandalone(capture, elapsed); ecu != nil {
			ecus = append(ecus, ecu)
		}
	})

	c.runStep("piggyback", func() {
		pbs, pbECUs := c.detectPiggybacks(capture, elapsed)
		piggybacks = append(piggybacks, pbs...)
		ecus = append(ecus, pbECUs...)
	})

	c.runStep("oem", func() {
		if ecu := c.detectOEM(capture, elapsed); ecu != nil {
			ecus = append(ecus, ecu)
		}
	})

	var summary domain.ConflictSummary
	c.runStep("conflicts", func() {
		summary = c.resolver.Resolve(ecus, piggybacks)
	})

	c.runStep("primary", func() {
		electPrimary(ecus)
	})

	recommendations := c.resolver.Recommendations(ecus, piggybacks, summary)
	return ecus, piggybacks, summary, recommendations
}

// runStep isolates one pipeline step; a panic inside it is logged and the
// pipeline continues with whatever the other steps collected.
func (c *Classifier) runStep(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("classification step failed",
				"step", name,
				"error", r,
			)
		}
	}()
	fn()
}

// detectStandalone picks the best-matching vendor footprint and emits a
// provisional primary ECU for it.
func (c *Classifier) detectStandalone(capture *domain.BusCapture, elapsed float64) *domain.DetectedECU {
	var best *VendorSignature
	var bestRatio float64
	var bestMatched []uint32
	var bestMessages int

	for i := range c.vendors {
		v := &c.vendors[i]
		matched, messages := matchIDs(capture, v.ArbitrationIDs)
		if len(matched) == 0 {
			continue
		}
		ratio := float64(len(matched)) / float64(len(v.ArbitrationIDs))
		if ratio > bestRatio || (ratio == bestRatio && best != nil && v.Vendor < best.Vendor) {
			best = v
			bestRatio = ratio
			bestMatched = matched
			bestMessages = messages
		}
	}

	if best == nil || bestRatio < 0.5 {
		return nil
	}

	return &domain.DetectedECU{
		ID:             uuid.New().String(),
		Vendor:         best.Vendor,
		Type:           best.Type,
		ArbitrationIDs: bestMatched,
		MessageRate:    float64(bestMessages) / elapsed,
		Confidence:     0.9,
		// Provisional: primary election re-decides after conflict analysis.
		IsPrimary: best.Type == domain.ECUStandalone,
		Metadata: map[string]any{
			"match_ratio": bestRatio,
		},
	}
}

// detectPiggybacks emits a PiggybackSystem plus a piggyback ECU record for
// every interceptor footprint with enough observed traffic.
func (c *Classifier) detectPiggybacks(capture *domain.BusCapture, elapsed float64) ([]*domain.PiggybackSystem, []*domain.DetectedECU) {
	var systems []*domain.PiggybackSystem
	var ecus []*domain.DetectedECU

	for i := range c.piggybacks {
		p := &c.piggybacks[i]
		matched, messages := matchIDs(capture, p.ArbitrationIDs)
		if len(matched) == 0 {
			continue
		}

		confidence := math.Min(0.95,
			float64(messages)/math.Max(1, float64(capture.TotalFrames)*0.01))
		if confidence <= 0.3 {
			continue
		}

		systems = append(systems, &domain.PiggybackSystem{
			Name:              p.Name,
			ArbitrationIDs:    matched,
			InterceptsSignals: p.InterceptsSignals,
			ModifiesSignals:   p.ModifiesSignals,
			Confidence:        confidence,
		})
		ecus = append(ecus, &domain.DetectedECU{
			ID:             uuid.New().String(),
			Vendor:         p.Name,
			Type:           domain.ECUPiggyback,
			ArbitrationIDs: matched,
			MessageRate:    float64(messages) / elapsed,
			Confidence:     confidence,
		})
	}

	return systems, ecus
}

// detectOEM reports an OEM module when reserved diagnostic IDs carry either a
// request ID or more than a trickle of traffic.
func (c *Classifier) detectOEM(capture *domain.BusCapture, elapsed float64) *domain.DetectedECU {
	var matched []uint32
	messages := 0
	sawRequest := false

	for id, stats := range capture.ByID {
		if _, ok := oemDiagnosticIDs[id]; !ok {
			continue
		}
		matched = append(matched, id)
		messages += stats.Count
		if _, ok := oemRequestIDs[id]; ok {
			sawRequest = true
		}
	}

	if len(matched) == 0 || (!sawRequest && messages <= 10) {
		return nil
	}
	sortIDs(matched)

	return &domain.DetectedECU{
		ID:             uuid.New().String(),
		Vendor:         "OEM",
		Type:           domain.ECUOEM,
		ArbitrationIDs: matched,
		MessageRate:    float64(messages) / elapsed,
		Confidence:     0.8,
		IsPrimary:      false,
	}
}

// electPrimary gives is_primary to the standalone ECU with the highest
// message rate, breaking exact ties lexicographically by ECU ID, and forces
// every other standalone to false.
func electPrimary(ecus []*domain.DetectedECU) {
	var winner *domain.DetectedECU
	for _, ecu := range ecus {
		if ecu.Type != domain.ECUStandalone {
			continue
		}
		ecu.IsPrimary = false
		if winner == nil ||
			ecu.MessageRate > winner.MessageRate ||
			(ecu.MessageRate == winner.MessageRate && ecu.ID < winner.ID) {
			winner = ecu
		}
	}
	if winner != nil {
		winner.IsPrimary = true
	}
}

// ConflictSummary returns the summary from the most recent run.
func (c *Classifier) ConflictSummary() domain.ConflictSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSummary
}

// Recommendations returns the plain-language recommendations from the most
// recent run.
func (c *Classifier) Recommendations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lastRecommendations))
	copy(out, c.lastRecommendations)
	return out
}

// FrameCount returns the number of frames observed by the most recent run.
func (c *Classifier) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrames
}

// Piggybacks returns the piggyback systems from the most recent run.
func (c *Classifier) Piggybacks() []*domain.PiggybackSystem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.PiggybackSystem, len(c.lastPiggybacks))
	copy(out, c.lastPiggybacks)
	return out
}

// matchIDs intersects a signature's ID set with the capture and returns the
// matched IDs in ascending order plus their total message count.
func matchIDs(capture *domain.BusCapture, ids []uint32) ([]uint32, int) {
	var matched []uint32
	messages := 0
	for _, id := range ids {
		if stats, ok := capture.ByID[id]; ok {
			matched = append(matched, id)
			messages += stats.Count
		}
	}
	sortIDs(matched)
	return matched, messages
}

func sortIDs(ids []uint32) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func hexID(id uint32) string {
	return fmt.Sprintf("0x%X", id)
}
