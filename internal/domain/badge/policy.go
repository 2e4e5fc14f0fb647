package badge

import "fmt"

// Policy decides how lifetime rank and maintenance upkeep interact after a
// demotion. Lifetime points never decrease, so without a rule a demoted
// participant would be promoted straight back on the next evaluation.
type Policy string

const (
	// PolicyStrict blocks lifetime-based promotion while the participant is
	// below their high-water mark. The way back up is reinstatement: one tier
	// at a time, paid for with maintenance points.
	PolicyStrict Policy = "strict"

	// PolicyIndependent treats rank and upkeep as unrelated signals; a
	// demoted participant is re-promoted as soon as lifetime points qualify.
	PolicyIndependent Policy = "independent"
)

// IsValid checks that the policy is known.
func (p Policy) IsValid() bool {
	return p == PolicyStrict || p == PolicyIndependent
}

// Decision is the outcome of ReconcileRank.
type Decision struct {
	// Rank is the badge lifetime points qualify for.
	Rank *ID `json:"rank"`
	// Promotion to apply, nil when the participant stays put.
	Promotion *Promotion `json:"promotion,omitempty"`
	// Suppressed is set when Rank is above the current badge but the
	// strict policy withheld the promotion.
	Suppressed bool `json:"suppressed"`
}

// ReconcileRank combines EvaluateRank, CheckPromotion and CheckReinstatement
// under policy.
func ReconcileRank(state LadderState, catalog *Catalog, assigned Set, lifetimePoints float64, policy Policy) (Decision, error) {
	if !policy.IsValid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, string(policy))
	}

	rank := EvaluateRank(lifetimePoints, catalog, assigned)
	promo, err := CheckPromotion(state.CurrentBadgeID, rank, catalog)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Rank: rank, Promotion: promo}

	if policy == PolicyIndependent || !state.BelowHighWater(catalog) {
		return decision, nil
	}

	decision.Promotion = nil
	decision.Suppressed = promo != nil
	reinstate, err := CheckReinstatement(state, catalog, assigned, lifetimePoints)
	if err != nil {
		return Decision{}, err
	}
	if reinstate != nil {
		decision.Promotion = reinstate
		decision.Suppressed = false
	}
	return decision, nil
}

// CheckReinstatement looks one tier above the current badge, never past the
// high-water mark. A tier with maintenance is regained once the accrued
// maintenance points reach its requirement; a tier without maintenance only
// needs lifetime points to cover its threshold. Nil means not yet.
func CheckReinstatement(state LadderState, catalog *Catalog, assigned Set, lifetimePoints float64) (*Promotion, error) {
	if !state.BelowHighWater(catalog) {
		return nil, nil
	}
	ctx, err := GetLadderContext(state.CurrentBadgeID, catalog, assigned, lifetimePoints)
	if err != nil {
		return nil, err
	}
	next := ctx.NextHigher
	if next == nil {
		return nil, nil
	}
	highest, err := catalog.Lookup(*state.HighestEarnedBadgeID)
	if err != nil {
		return nil, err
	}
	if next.Threshold > highest.Threshold {
		return nil, nil
	}

	if next.HasMaintenance() {
		if state.MaintenancePoints < next.Requirement() {
			return nil, nil
		}
	} else if lifetimePoints < next.Threshold {
		return nil, nil
	}

	var from *ID
	if state.CurrentBadgeID != nil {
		from = state.CurrentBadgeID.Ptr()
	}
	return &Promotion{
		From:             from,
		To:               next.ID,
		ResetMaintenance: next.HasMaintenance(),
		Reinstatement:    true,
	}, nil
}
