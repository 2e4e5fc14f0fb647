package badge

import (
	"fmt"

	"github.com/choreboard/points-engine/pkg/timeutil"
)

// Outcome is the action a due maintenance interval calls for.
type Outcome string

const (
	OutcomeMaintainSuccess Outcome = "maintain_success"
	OutcomeEnterGrace      Outcome = "enter_grace"
	OutcomeDemote          Outcome = "demote"
)

// MaintenanceResult describes the transition ProcessMaintenanceInterval
// decided on. PeriodEnd is set for maintain_success and GraceEnd for
// enter_grace.
type MaintenanceResult struct {
	Outcome     Outcome        `json:"outcome"`
	BadgeID     ID             `json:"badge_id"`
	Status      Status         `json:"status"`
	Points      float64        `json:"maintenance_points"`
	Requirement float64        `json:"requirement"`
	PeriodEnd   *timeutil.Date `json:"period_end,omitempty"`
	GraceEnd    *timeutil.Date `json:"grace_end,omitempty"`
}

// ProcessMaintenanceInterval runs one step of the maintenance machine for
// the participant's current badge.
//
// It returns nil when the badge has no maintenance, when today is before
// period_end, and while a grace period is still open (today <= grace_end).
// Otherwise the requirement decides: met gives maintain_success with
// period_end advanced by one window; unmet gives enter_grace from active
// (and from demoted, which is active on the lower badge) or demote once
// grace has run out.
func ProcessMaintenanceInterval(state LadderState, badge Badge, today timeutil.Date) (*MaintenanceResult, error) {
	if err := badge.Validate(); err != nil {
		return nil, err
	}
	if !badge.HasMaintenance() {
		return nil, nil
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	if state.PeriodEnd == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingPeriodEnd, badge.ID)
	}
	if today.Before(*state.PeriodEnd) {
		return nil, nil
	}

	result := &MaintenanceResult{
		BadgeID:     badge.ID,
		Points:      state.MaintenancePoints,
		Requirement: badge.Requirement(),
	}

	if state.MaintenancePoints >= badge.Requirement() {
		result.Outcome = OutcomeMaintainSuccess
		result.Status = StatusActive
		result.PeriodEnd = timeutil.DatePtr(state.PeriodEnd.AddDays(badge.Window()))
		return result, nil
	}

	switch state.Status {
	case StatusActive, StatusDemoted:
		result.Outcome = OutcomeEnterGrace
		result.Status = StatusGrace
		result.GraceEnd = timeutil.DatePtr(today.AddDays(badge.Grace()))
		return result, nil
	case StatusGrace:
		// Validate guarantees GraceEnd in grace.
		if !today.After(*state.GraceEnd) {
			return nil, nil
		}
		result.Outcome = OutcomeDemote
		result.Status = StatusDemoted
		return result, nil
	}
	return nil, fmt.Errorf("%w: status %q", ErrInvalidLadderState, string(state.Status))
}

// OpenMaintenanceWindow starts a window on a maintained badge that has none,
// as happens when maintenance is added to a badge after it was earned. The
// window ends today + window length and points start from zero. It reports
// false and leaves state alone when the badge has no maintenance or a window
// is already open.
func OpenMaintenanceWindow(state LadderState, badge Badge, today timeutil.Date) (LadderState, bool) {
	if !badge.HasMaintenance() || state.PeriodEnd != nil {
		return state, false
	}
	state.PeriodEnd = timeutil.DatePtr(today.AddDays(badge.Window()))
	state.MaintenancePoints = 0
	return state, true
}

// ApplyMaintenance folds a maintenance result into state.
//
//   - maintain_success: active, points reset, next period_end, grace cleared
//   - enter_grace: grace until result.GraceEnd, points kept
//   - demote: current drops to the next lower assigned badge (nil at the
//     bottom), status demoted, high-water mark untouched; the lower badge's
//     own maintenance window starts today when it has one
//
// A nil result is a no-op.
func ApplyMaintenance(state LadderState, result *MaintenanceResult, catalog *Catalog, assigned Set, today timeutil.Date) (LadderState, error) {
	if result == nil {
		return state, nil
	}

	switch result.Outcome {
	case OutcomeMaintainSuccess:
		state.Status = StatusActive
		state.MaintenancePoints = 0
		state.PeriodEnd = result.PeriodEnd
		state.GraceEnd = nil
		return state, nil

	case OutcomeEnterGrace:
		state.Status = StatusGrace
		state.GraceEnd = result.GraceEnd
		return state, nil

	case OutcomeDemote:
		ctx, err := GetLadderContext(state.CurrentBadgeID, catalog, assigned, 0)
		if err != nil {
			return state, err
		}
		state.Status = StatusDemoted
		state.MaintenancePoints = 0
		state.GraceEnd = nil
		state.PeriodEnd = nil
		state.CurrentBadgeID = nil
		if lower := ctx.NextLower; lower != nil {
			state.CurrentBadgeID = lower.ID.Ptr()
			if lower.HasMaintenance() {
				state.PeriodEnd = timeutil.DatePtr(today.AddDays(lower.Window()))
			}
		}
		return state, nil
	}
	return state, fmt.Errorf("%w: outcome %q", ErrInvalidLadderState, string(result.Outcome))
}
