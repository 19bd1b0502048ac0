package classify

import (
	"strings"
	"testing"

	"github.com/busrecon/busrecon/internal/domain"
)

func TestResolveCollision(t *testing.T) {
	r := NewResolver()

	holley := &domain.DetectedECU{
		ID:             "ecu-a",
		Vendor:         "HolleyEFI",
		Type:           domain.ECUStandalone,
		ArbitrationIDs: []uint32{0x200, 0x201},
	}
	aem := &domain.DetectedECU{
		ID:             "ecu-b",
		Vendor:         "AEM Infinity",
		Type:           domain.ECUStandalone,
		ArbitrationIDs: []uint32{0x180, 0x200},
	}

	summary := r.Resolve([]*domain.DetectedECU{holley, aem}, nil)

	if summary.CANIDCollisions != 1 {
		t.Errorf("CANIDCollisions = %d, want 1", summary.CANIDCollisions)
	}
	if summary.DualControl != 2 {
		t.Errorf("DualControl = %d, want 2 (one conflict per controller)", summary.DualControl)
	}
	if len(summary.AffectedECUs) != 2 ||
		summary.AffectedECUs[0] != "ecu-a" || summary.AffectedECUs[1] != "ecu-b" {
		t.Errorf("AffectedECUs = %v", summary.AffectedECUs)
	}

	for _, ecu := range []*domain.DetectedECU{holley, aem} {
		if !hasConflict(ecu, domain.ConflictCANIDCollision) {
			t.Errorf("%s missing collision conflict", ecu.ID)
		}
		if !hasConflict(ecu, domain.ConflictDualControl) {
			t.Errorf("%s missing dual-control conflict", ecu.ID)
		}
	}

	for _, c := range holley.Conflicts {
		if c.Type != domain.ConflictCANIDCollision {
			continue
		}
		if c.ArbitrationID != 0x200 {
			t.Errorf("collision ArbitrationID = %#x", c.ArbitrationID)
		}
		if len(c.PeerECUs) != 1 || c.PeerECUs[0] != "ecu-b" {
			t.Errorf("collision peers = %v", c.PeerECUs)
		}
		if !strings.Contains(c.Detail, "0x200") {
			t.Errorf("collision detail = %q", c.Detail)
		}
	}
}

func TestResolveSharedIDWithinOneECU(t *testing.T) {
	r := NewResolver()

	// A single device owning an ID is never a collision, whatever it claims.
	solo := &domain.DetectedECU{
		ID:             "ecu-a",
		Type:           domain.ECUStandalone,
		ArbitrationIDs: []uint32{0x200, 0x201, 0x202},
	}

	summary := r.Resolve([]*domain.DetectedECU{solo}, nil)
	if summary.Total() != 0 {
		t.Errorf("expected no conflicts, got %+v", summary)
	}
	if len(solo.Conflicts) != 0 {
		t.Errorf("conflicts = %v", solo.Conflicts)
	}
}

func TestResolvePiggybackInterference(t *testing.T) {
	r := NewResolver()

	standalone := &domain.DetectedECU{ID: "ecu-a", Type: domain.ECUStandalone}
	pbECU := &domain.DetectedECU{ID: "ecu-b", Type: domain.ECUPiggyback}

	t.Run("critical signal marks standalones", func(t *testing.T) {
		jb4 := &domain.PiggybackSystem{
			Name:              "JB4",
			InterceptsSignals: []string{"MAP", "Boost"},
		}

		s := *standalone
		summary := r.Resolve([]*domain.DetectedECU{&s, pbECU}, []*domain.PiggybackSystem{jb4})

		if summary.PiggybackConflicts != 1 {
			t.Errorf("PiggybackConflicts = %d", summary.PiggybackConflicts)
		}
		if !hasConflict(&s, domain.ConflictPiggybackConflict) {
			t.Error("standalone missing interference conflict")
		}
	})

	t.Run("benign interceptor ignored", func(t *testing.T) {
		logger := &domain.PiggybackSystem{
			Name:              "DashLogger",
			InterceptsSignals: []string{"EGT", "Lambda"},
		}

		s := *standalone
		summary := r.Resolve([]*domain.DetectedECU{&s}, []*domain.PiggybackSystem{logger})

		if summary.PiggybackConflicts != 0 {
			t.Errorf("PiggybackConflicts = %d", summary.PiggybackConflicts)
		}
		if len(s.Conflicts) != 0 {
			t.Errorf("conflicts = %v", s.Conflicts)
		}
	})
}

func TestRecommendationsDualControl(t *testing.T) {
	r := NewResolver()

	a := &domain.DetectedECU{ID: "a", Vendor: "Haltech", Type: domain.ECUStandalone, MessageRate: 50, IsPrimary: true}
	b := &domain.DetectedECU{ID: "b", Vendor: "HolleyEFI", Type: domain.ECUStandalone, MessageRate: 40}
	summary := r.Resolve([]*domain.DetectedECU{a, b}, nil)

	recs := r.Recommendations([]*domain.DetectedECU{a, b}, nil, summary)

	foundDual := false
	foundPrimary := false
	for _, rec := range recs {
		if strings.Contains(rec, "2 standalone ECUs") {
			foundDual = true
		}
		if strings.HasPrefix(rec, "Primary controller: Haltech") {
			foundPrimary = true
		}
	}
	if !foundDual {
		t.Errorf("missing dual-control warning in %v", recs)
	}
	if !foundPrimary {
		t.Errorf("missing primary line in %v", recs)
	}
}
