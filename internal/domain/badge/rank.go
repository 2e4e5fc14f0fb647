package badge

import "github.com/choreboard/points-engine/pkg/timeutil"

// Promotion records a move up the ladder.
type Promotion struct {
	From             *ID  `json:"from,omitempty"`
	To               ID   `json:"to"`
	ResetMaintenance bool `json:"reset_maintenance"`
	Reinstatement    bool `json:"reinstatement,omitempty"`
}

// EvaluateRank returns the assigned cumulative badge with the greatest
// threshold not exceeding lifetimePoints, or nil when none qualifies.
// Equal thresholds resolve to the badge listed first in the catalog.
func EvaluateRank(lifetimePoints float64, catalog *Catalog, assigned Set) *ID {
	best := pick(catalog, catalog.Ladder(assigned), func(b Badge) bool {
		return b.Threshold <= lifetimePoints
	}, true)
	if best == nil {
		return nil
	}
	return best.ID.Ptr()
}

// CheckPromotion reports a promotion only when the target's threshold is
// strictly greater than the current one (or than 0 without a current
// badge). Lateral and downward targets, and a nil target, yield nil.
func CheckPromotion(currentBadgeID, targetBadgeID *ID, catalog *Catalog) (*Promotion, error) {
	if targetBadgeID == nil {
		return nil, nil
	}
	target, err := catalog.Lookup(*targetBadgeID)
	if err != nil {
		return nil, err
	}

	base := 0.0
	var from *ID
	if currentBadgeID != nil {
		current, err := catalog.Lookup(*currentBadgeID)
		if err != nil {
			return nil, err
		}
		base = current.Threshold
		from = current.ID.Ptr()
	}

	if target.Threshold <= base {
		return nil, nil
	}
	return &Promotion{
		From:             from,
		To:               target.ID,
		ResetMaintenance: target.HasMaintenance(),
	}, nil
}

// ApplyPromotion moves state onto the promoted badge: status returns to
// active, the high-water mark rises if needed and, when the new badge has
// maintenance, a fresh window starts today. A nil promotion is a no-op.
func ApplyPromotion(state LadderState, promo *Promotion, catalog *Catalog, today timeutil.Date) (LadderState, error) {
	if promo == nil {
		return state, nil
	}
	target, err := catalog.Lookup(promo.To)
	if err != nil {
		return state, err
	}

	state.CurrentBadgeID = target.ID.Ptr()
	if raisesHighWater(state, target, catalog) {
		state.HighestEarnedBadgeID = target.ID.Ptr()
	}
	state.Status = StatusActive
	state.GraceEnd = nil
	state.MaintenancePoints = 0
	state.PeriodEnd = nil
	if promo.ResetMaintenance && target.HasMaintenance() {
		state.PeriodEnd = timeutil.DatePtr(today.AddDays(target.Window()))
	}
	return state, nil
}

func raisesHighWater(state LadderState, target Badge, catalog *Catalog) bool {
	if state.HighestEarnedBadgeID == nil {
		return true
	}
	highest, ok := catalog.Get(*state.HighestEarnedBadgeID)
	if !ok {
		return true
	}
	return target.Threshold > highest.Threshold
}
