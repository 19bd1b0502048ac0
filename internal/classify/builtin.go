// Package classify turns per-arbitration-ID CAN statistics into classified
// ECU records and reconciles their conflicts.
package classify

import "github.com/busrecon/busrecon/internal/domain"

// VendorSignature describes the arbitration-ID footprint of a known
// standalone or tuning-module controller.
type VendorSignature struct {
	Vendor         string
	Type           domain.ECUType
	ArbitrationIDs []uint32
}

// PiggybackSignature describes the footprint of a known interceptor module.
type PiggybackSignature struct {
	Name              string
	ArbitrationIDs    []uint32
	InterceptsSignals []string
	ModifiesSignals   []string
}

// Reserved diagnostic IDs: the OBD-II broadcast request, the engine/TCM
// physical requests and their responses.
var oemDiagnosticIDs = map[uint32]struct{}{
	0x7DF: {},
	0x7E0: {},
	0x7E1: {},
	0x7E8: {},
	0x7E9: {},
	0x7EA: {},
}

// Diagnostic-request IDs within the reserved set. Seeing one implies an
// active OEM-side requester, not just a responder.
var oemRequestIDs = map[uint32]struct{}{
	0x7DF: {},
	0x7E0: {},
	0x7E1: {},
}

// BuiltinVendorSignatures returns the built-in standalone/tuning controller
// footprints.
func BuiltinVendorSignatures() []VendorSignature {
	return []VendorSignature{
		{
			Vendor:         "HolleyEFI",
			Type:           domain.ECUStandalone,
			ArbitrationIDs: []uint32{0x200, 0x201, 0x202, 0x203},
		},
		{
			Vendor:         "Haltech",
			Type:           domain.ECUStandalone,
			ArbitrationIDs: []uint32{0x360, 0x361, 0x362, 0x368, 0x369},
		},
		{
			Vendor:         "AEM Infinity",
			Type:           domain.ECUStandalone,
			ArbitrationIDs: []uint32{0x180, 0x181, 0x182},
		},
		{
			Vendor:         "MegaSquirt",
			Type:           domain.ECUStandalone,
			ArbitrationIDs: []uint32{0x5E8, 0x5E9, 0x5EA, 0x5EB},
		},
		{
			Vendor:         "Link G4",
			Type:           domain.ECUStandalone,
			ArbitrationIDs: []uint32{0x3E8, 0x3E9, 0x3EA},
		},
		{
			Vendor:         "MoTeC M1",
			Type:           domain.ECUStandalone,
			ArbitrationIDs: []uint32{0x640, 0x641, 0x642, 0x643},
		},
		{
			Vendor:         "Hondata KPro",
			Type:           domain.ECUTuning,
			ArbitrationIDs: []uint32{0x660, 0x661, 0x662},
		},
	}
}

// BuiltinPiggybackSignatures returns the built-in interceptor footprints.
func BuiltinPiggybackSignatures() []PiggybackSignature {
	return []PiggybackSignature{
		{
			Name:              "JB4",
			ArbitrationIDs:    []uint32{0x500, 0x501, 0x502},
			InterceptsSignals: []string{"MAP", "TPS", "Boost"},
			ModifiesSignals:   []string{"MAP", "Boost"},
		},
		{
			Name:              "RaceChip",
			ArbitrationIDs:    []uint32{0x510, 0x511},
			InterceptsSignals: []string{"MAP", "RailPressure"},
			ModifiesSignals:   []string{"RailPressure"},
		},
		{
			Name:              "PedalBox",
			ArbitrationIDs:    []uint32{0x520},
			InterceptsSignals: []string{"TPS"},
			ModifiesSignals:   []string{"TPS"},
		},
	}
}

// DetectionSignatures renders the built-in footprints as ensemble-detector
// signatures so generic signal-map detection recognizes the same devices the
// classifier does.
func DetectionSignatures() []*domain.DetectionSignature {
	var sigs []*domain.DetectionSignature

	for _, v := range BuiltinVendorSignatures() {
		sigs = append(sigs, &domain.DetectionSignature{
			Name:             v.Vendor,
			Type:             domain.SignatureStandalone,
			Vendor:           v.Vendor,
			PrimarySignals:   map[string]any{"can_ids": idStrings(v.ArbitrationIDs)},
			ConfidenceWeight: 1.0,
		})
	}
	for _, p := range BuiltinPiggybackSignatures() {
		sigs = append(sigs, &domain.DetectionSignature{
			Name:   p.Name,
			Type:   domain.SignaturePiggyback,
			Vendor: p.Name,
			PrimarySignals: map[string]any{
				"can_ids": idStrings(p.ArbitrationIDs),
			},
			SecondarySignals: map[string]any{
				"intercepts": p.InterceptsSignals,
			},
			ConfidenceWeight: 1.0,
		})
	}
	return sigs
}

func idStrings(ids []uint32) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = hexID(id)
	}
	return out
}
