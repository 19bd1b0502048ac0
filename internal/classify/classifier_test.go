package classify

import (
	"strings"
	"testing"
	"time"

	"github.com/busrecon/busrecon/internal/domain"
)

func makeCapture(counts map[uint32]int, elapsed time.Duration) *domain.BusCapture {
	capture := &domain.BusCapture{
		ByID:      make(map[uint32]*domain.IDStats, len(counts)),
		StartedAt: time.Now().UTC(),
		Elapsed:   elapsed,
	}
	for id, count := range counts {
		capture.ByID[id] = &domain.IDStats{ArbitrationID: id, Count: count}
		capture.TotalFrames += count
	}
	return capture
}

func hasConflict(ecu *domain.DetectedECU, kind domain.ConflictType) bool {
	for _, c := range ecu.Conflicts {
		if c.Type == kind {
			return true
		}
	}
	return false
}

func TestClassifyStandaloneHolley(t *testing.T) {
	c := NewClassifier(nil, nil)

	capture := makeCapture(map[uint32]int{
		0x200: 100, 0x201: 100, 0x202: 100, 0x203: 100,
	}, 4*time.Second)

	ecus, piggybacks, summary, recs := c.Classify(capture)

	if len(ecus) != 1 {
		t.Fatalf("expected 1 ECU, got %d", len(ecus))
	}
	ecu := ecus[0]
	if ecu.Vendor != "HolleyEFI" {
		t.Errorf("Vendor = %q", ecu.Vendor)
	}
	if ecu.Type != domain.ECUStandalone {
		t.Errorf("Type = %v", ecu.Type)
	}
	if !ecu.IsPrimary {
		t.Error("lone standalone should be primary")
	}
	if ecu.MessageRate != 100 {
		t.Errorf("MessageRate = %v, want 100", ecu.MessageRate)
	}
	if ecu.Confidence != 0.9 {
		t.Errorf("Confidence = %v", ecu.Confidence)
	}
	if len(ecu.ArbitrationIDs) != 4 {
		t.Errorf("ArbitrationIDs = %v", ecu.ArbitrationIDs)
	}

	if len(piggybacks) != 0 {
		t.Errorf("unexpected piggybacks: %v", piggybacks)
	}
	if summary.Total() != 0 {
		t.Errorf("clean bus should have no conflicts: %+v", summary)
	}
	if len(recs) != 1 || !strings.HasPrefix(recs[0], "Primary controller: HolleyEFI") {
		t.Errorf("recommendations = %v", recs)
	}
}

func TestClassifyWeakFootprintIgnored(t *testing.T) {
	c := NewClassifier(nil, nil)

	// One of five Haltech IDs is not enough evidence.
	capture := makeCapture(map[uint32]int{0x360: 10}, time.Second)

	ecus, _, _, recs := c.Classify(capture)
	if len(ecus) != 0 {
		t.Errorf("sub-threshold footprint should not classify, got %v", ecus)
	}
	if len(recs) != 1 || recs[0] != "No conflicts found." {
		t.Errorf("recommendations = %v", recs)
	}
}

func TestClassifyStackedSetup(t *testing.T) {
	c := NewClassifier(nil, nil)

	counts := map[uint32]int{
		// Haltech standalone.
		0x360: 100, 0x361: 100, 0x362: 100, 0x368: 100, 0x369: 100,
		// JB4 piggyback.
		0x500: 20, 0x501: 20, 0x502: 20,
		// OEM diagnostics, request and response.
		0x7DF: 5, 0x7E8: 5,
	}
	capture := makeCapture(counts, 10*time.Second)

	ecus, piggybacks, summary, recs := c.Classify(capture)

	if len(ecus) != 3 {
		t.Fatalf("expected standalone+piggyback+oem, got %d ECUs", len(ecus))
	}

	byType := make(map[domain.ECUType]*domain.DetectedECU)
	for _, ecu := range ecus {
		byType[ecu.Type] = ecu
	}

	standalone := byType[domain.ECUStandalone]
	if standalone == nil || standalone.Vendor != "Haltech" {
		t.Fatalf("missing Haltech standalone: %+v", byType)
	}
	if !standalone.IsPrimary {
		t.Error("standalone should remain primary alongside a piggyback")
	}
	if !hasConflict(standalone, domain.ConflictPiggybackConflict) {
		t.Error("standalone should carry the piggyback interference conflict")
	}

	pb := byType[domain.ECUPiggyback]
	if pb == nil || pb.Vendor != "JB4" {
		t.Fatalf("missing JB4 piggyback: %+v", byType)
	}
	if len(pb.Conflicts) != 0 {
		t.Errorf("piggyback itself should not be penalized: %v", pb.Conflicts)
	}

	oem := byType[domain.ECUOEM]
	if oem == nil {
		t.Fatal("missing OEM module")
	}
	if oem.Confidence != 0.8 {
		t.Errorf("OEM Confidence = %v", oem.Confidence)
	}
	if oem.IsPrimary {
		t.Error("OEM module must never be primary")
	}

	if len(piggybacks) != 1 || piggybacks[0].Name != "JB4" {
		t.Errorf("piggybacks = %v", piggybacks)
	}
	if summary.PiggybackConflicts != 1 {
		t.Errorf("PiggybackConflicts = %d", summary.PiggybackConflicts)
	}
	if summary.CANIDCollisions != 0 || summary.DualControl != 0 {
		t.Errorf("unexpected conflicts: %+v", summary)
	}
	if len(summary.AffectedECUs) != 1 || summary.AffectedECUs[0] != standalone.ID {
		t.Errorf("AffectedECUs = %v", summary.AffectedECUs)
	}

	warned := false
	for _, rec := range recs {
		if strings.HasPrefix(rec, "WARNING:") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a WARNING recommendation, got %v", recs)
	}
}

func TestDetectOEM(t *testing.T) {
	c := NewClassifier(nil, nil)

	t.Run("quiet responder ignored", func(t *testing.T) {
		capture := makeCapture(map[uint32]int{0x7E8: 5}, time.Second)
		ecus, _, _, _ := c.Classify(capture)
		if len(ecus) != 0 {
			t.Errorf("trickle of responses should not classify, got %v", ecus)
		}
	})

	t.Run("chatty responder classifies", func(t *testing.T) {
		capture := makeCapture(map[uint32]int{0x7E8: 50}, time.Second)
		ecus, _, _, _ := c.Classify(capture)
		if len(ecus) != 1 || ecus[0].Type != domain.ECUOEM {
			t.Fatalf("expected OEM ECU, got %v", ecus)
		}
	})

	t.Run("request implies active module", func(t *testing.T) {
		capture := makeCapture(map[uint32]int{0x7DF: 2}, time.Second)
		ecus, _, _, _ := c.Classify(capture)
		if len(ecus) != 1 || ecus[0].Type != domain.ECUOEM {
			t.Fatalf("expected OEM ECU, got %v", ecus)
		}
	})
}

func TestElectPrimary(t *testing.T) {
	t.Run("highest rate wins", func(t *testing.T) {
		fast := &domain.DetectedECU{ID: "b", Type: domain.ECUStandalone, MessageRate: 200}
		slow := &domain.DetectedECU{ID: "a", Type: domain.ECUStandalone, MessageRate: 100, IsPrimary: true}

		electPrimary([]*domain.DetectedECU{slow, fast})

		if !fast.IsPrimary || slow.IsPrimary {
			t.Errorf("fast=%v slow=%v", fast.IsPrimary, slow.IsPrimary)
		}
	})

	t.Run("exact tie breaks by lower ID", func(t *testing.T) {
		a := &domain.DetectedECU{ID: "aaa", Type: domain.ECUStandalone, MessageRate: 100}
		b := &domain.DetectedECU{ID: "bbb", Type: domain.ECUStandalone, MessageRate: 100}

		electPrimary([]*domain.DetectedECU{b, a})

		if !a.IsPrimary || b.IsPrimary {
			t.Errorf("a=%v b=%v", a.IsPrimary, b.IsPrimary)
		}
	})

	t.Run("non-standalones ignored", func(t *testing.T) {
		pb := &domain.DetectedECU{ID: "p", Type: domain.ECUPiggyback, MessageRate: 999}
		ecu := &domain.DetectedECU{ID: "s", Type: domain.ECUStandalone, MessageRate: 10}

		electPrimary([]*domain.DetectedECU{pb, ecu})

		if pb.IsPrimary {
			t.Error("piggyback must not be elected primary")
		}
		if !ecu.IsPrimary {
			t.Error("standalone should be primary")
		}
	})
}

func TestDetectionSignaturesCoverBuiltins(t *testing.T) {
	sigs := DetectionSignatures()

	want := len(BuiltinVendorSignatures()) + len(BuiltinPiggybackSignatures())
	if len(sigs) != want {
		t.Fatalf("expected %d signatures, got %d", want, len(sigs))
	}

	for _, sig := range sigs {
		if sig.Name == "" {
			t.Error("signature with empty name")
		}
		if len(sig.PrimarySignals) == 0 {
			t.Errorf("signature %q has no primary signals", sig.Name)
		}
		if sig.ConfidenceWeight != 1.0 {
			t.Errorf("signature %q weight = %v", sig.Name, sig.ConfidenceWeight)
		}
	}
}
