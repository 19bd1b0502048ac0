package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/busrecon/busrecon/internal/domain"
)

// Signals considered critical control inputs: a piggyback intercepting any of
// them conflicts with whatever standalone controller thinks it owns them.
var criticalInterceptSignals = map[string]struct{}{
	"MAP":   {},
	"TPS":   {},
	"Boost": {},
}

// Resolver finds ID collisions, piggyback interference and dual-control
// situations across one run's detections, annotating the affected ECUs.
type Resolver struct{}

// NewResolver creates a conflict resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve applies the three conflict classes additively and returns the
// run's conflict summary. ECU conflict lists are appended in place; nothing
// else on the records is touched.
func (r *Resolver) Resolve(ecus []*domain.DetectedECU, piggybacks []*domain.PiggybackSystem) domain.ConflictSummary {
	summary := domain.ConflictSummary{}
	affected := make(map[string]struct{})

	r.resolveCollisions(ecus, &summary, affected)
	r.resolvePiggybackInterference(ecus, piggybacks, &summary, affected)
	r.resolveDualControl(ecus, &summary, affected)

	summary.AffectedECUs = make([]string, 0, len(affected))
	for id := range affected {
		summary.AffectedECUs = append(summary.AffectedECUs, id)
	}
	sort.Strings(summary.AffectedECUs)

	return summary
}

// resolveCollisions marks every owner of an arbitration ID claimed by two or
// more ECUs.
func (r *Resolver) resolveCollisions(ecus []*domain.DetectedECU, summary *domain.ConflictSummary, affected map[string]struct{}) {
	owners := make(map[uint32][]*domain.DetectedECU)
	for _, ecu := range ecus {
		for _, id := range ecu.ArbitrationIDs {
			owners[id] = append(owners[id], ecu)
		}
	}

	collidingIDs := make([]uint32, 0)
	for id, claimants := range owners {
		if len(claimants) >= 2 {
			collidingIDs = append(collidingIDs, id)
		}
	}
	sortIDs(collidingIDs)

	for _, id := range collidingIDs {
		claimants := owners[id]
		for _, ecu := range claimants {
			peers := make([]string, 0, len(claimants)-1)
			for _, peer := range claimants {
				if peer.ID != ecu.ID {
					peers = append(peers, peer.ID)
				}
			}
			sort.Strings(peers)

			ecu.Conflicts = append(ecu.Conflicts, domain.Conflict{
				Type:          domain.ConflictCANIDCollision,
				Detail:        fmt.Sprintf("arbitration ID %s claimed by %d devices", hexID(id), len(claimants)),
				ArbitrationID: id,
				PeerECUs:      peers,
			})
			affected[ecu.ID] = struct{}{}
		}
		summary.CANIDCollisions++
	}
}

// resolvePiggybackInterference marks every standalone ECU for each piggyback
// intercepting a critical control signal. The piggyback itself is not
// penalized.
func (r *Resolver) resolvePiggybackInterference(ecus []*domain.DetectedECU, piggybacks []*domain.PiggybackSystem, summary *domain.ConflictSummary, affected map[string]struct{}) {
	for _, pb := range piggybacks {
		var intercepted []string
		for _, sig := range pb.InterceptsSignals {
			if _, ok := criticalInterceptSignals[sig]; ok {
				intercepted = append(intercepted, sig)
			}
		}
		if len(intercepted) == 0 {
			continue
		}
		sort.Strings(intercepted)

		for _, ecu := range ecus {
			if ecu.Type != domain.ECUStandalone {
				continue
			}
			ecu.Conflicts = append(ecu.Conflicts, domain.Conflict{
				Type:   domain.ConflictPiggybackConflict,
				Detail: fmt.Sprintf("%s intercepts %s", pb.Name, strings.Join(intercepted, ", ")),
			})
			affected[ecu.ID] = struct{}{}
			summary.PiggybackConflicts++
		}
	}
}

// resolveDualControl marks every standalone ECU when more than one claims
// primary control of the engine.
func (r *Resolver) resolveDualControl(ecus []*domain.DetectedECU, summary *domain.ConflictSummary, affected map[string]struct{}) {
	var standalones []*domain.DetectedECU
	for _, ecu := range ecus {
		if ecu.Type == domain.ECUStandalone {
			standalones = append(standalones, ecu)
		}
	}
	if len(standalones) <= 1 {
		return
	}

	for _, ecu := range standalones {
		siblings := make([]string, 0, len(standalones)-1)
		for _, peer := range standalones {
			if peer.ID != ecu.ID {
				siblings = append(siblings, peer.ID)
			}
		}
		sort.Strings(siblings)

		ecu.Conflicts = append(ecu.Conflicts, domain.Conflict{
			Type:     domain.ConflictDualControl,
			Detail:   fmt.Sprintf("%d standalone controllers active on one bus", len(standalones)),
			PeerECUs: siblings,
		})
		affected[ecu.ID] = struct{}{}
		summary.DualControl++
	}
}

// Recommendations renders the run's findings as plain-language guidance.
// Insufficient input degrades to a single "no conflicts" line.
func (r *Resolver) Recommendations(ecus []*domain.DetectedECU, piggybacks []*domain.PiggybackSystem, summary domain.ConflictSummary) []string {
	var recs []string

	if summary.CANIDCollisions > 0 {
		recs = append(recs, fmt.Sprintf(
			"WARNING: %d arbitration ID collision(s) detected; devices are transmitting on shared IDs and may corrupt each other's data.",
			summary.CANIDCollisions))
	}

	standalones := 0
	oemPresent := false
	for _, ecu := range ecus {
		switch ecu.Type {
		case domain.ECUStandalone:
			standalones++
		case domain.ECUOEM:
			oemPresent = true
		}
	}

	if len(piggybacks) > 0 && standalones > 0 {
		recs = append(recs,
			"WARNING: piggyback module(s) operating alongside a standalone ECU; intercepted sensor signals may fight the controller's closed-loop corrections.")
	}
	if standalones > 1 {
		recs = append(recs, fmt.Sprintf(
			"WARNING: %d standalone ECUs detected; only one controller should command the engine.", standalones))
	}
	if len(piggybacks) > 0 {
		names := make([]string, len(piggybacks))
		for i, pb := range piggybacks {
			names[i] = pb.Name
		}
		sort.Strings(names)
		recs = append(recs, fmt.Sprintf("Piggyback system(s) present: %s.", strings.Join(names, ", ")))
	}
	if oemPresent {
		recs = append(recs, "OEM diagnostic module active on the reserved OBD-II ID range.")
	}

	for _, ecu := range ecus {
		if ecu.IsPrimary {
			recs = append(recs, fmt.Sprintf(
				"Primary controller: %s (%.1f msg/s).", ecu.Vendor, ecu.MessageRate))
			break
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "No conflicts found.")
	}
	return recs
}
