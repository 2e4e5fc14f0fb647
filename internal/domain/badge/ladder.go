package badge

import (
	"fmt"
	"math"

	"github.com/choreboard/points-engine/pkg/timeutil"
)

// Status is the maintenance status of a participant's current badge.
type Status string

const (
	StatusActive  Status = "active"
	StatusGrace   Status = "grace"
	StatusDemoted Status = "demoted"
)

// IsValid checks that the status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusGrace, StatusDemoted:
		return true
	}
	return false
}

// LadderState is a participant's position on the ladder. It is a value:
// operations return a modified copy and never write through its pointers.
type LadderState struct {
	CurrentBadgeID       *ID            `json:"current_badge_id"`
	HighestEarnedBadgeID *ID            `json:"highest_earned_badge_id"`
	Status               Status         `json:"status"`
	MaintenancePoints    float64        `json:"maintenance_points"`
	PeriodEnd            *timeutil.Date `json:"period_end"`
	GraceEnd             *timeutil.Date `json:"grace_end"`
}

// NewLadderState returns the state of a participant with no badge yet.
func NewLadderState() LadderState {
	return LadderState{Status: StatusActive}
}

// HasBadge reports whether a current badge is set.
func (s LadderState) HasBadge() bool {
	return s.CurrentBadgeID != nil
}

// Validate checks the internal consistency of a stored state.
func (s LadderState) Validate() error {
	if !s.Status.IsValid() {
		return fmt.Errorf("%w: status %q", ErrInvalidLadderState, string(s.Status))
	}
	if math.IsNaN(s.MaintenancePoints) || math.IsInf(s.MaintenancePoints, 0) {
		return fmt.Errorf("%w: maintenance points not finite", ErrInvalidLadderState)
	}
	if s.Status == StatusGrace && s.GraceEnd == nil {
		return fmt.Errorf("%w: grace without grace_end", ErrInvalidLadderState)
	}
	if s.CurrentBadgeID != nil && s.HighestEarnedBadgeID == nil {
		return fmt.Errorf("%w: current badge without high-water mark", ErrInvalidLadderState)
	}
	return nil
}

// BelowHighWater reports whether the current badge sits below the highest
// badge ever earned, i.e. the participant was demoted and has not climbed
// back. Badges missing from the catalog are ignored.
func (s LadderState) BelowHighWater(catalog *Catalog) bool {
	if s.HighestEarnedBadgeID == nil {
		return false
	}
	highest, ok := catalog.Get(*s.HighestEarnedBadgeID)
	if !ok {
		return false
	}
	if s.CurrentBadgeID == nil {
		return true
	}
	current, ok := catalog.Get(*s.CurrentBadgeID)
	if !ok {
		return false
	}
	return current.Threshold < highest.Threshold
}

// AccrueMaintenance adds points earned toward the current maintenance
// window. Corrections may subtract, but the total never drops below zero.
func AccrueMaintenance(state LadderState, points float64) LadderState {
	state.MaintenancePoints += points
	if state.MaintenancePoints < 0 {
		state.MaintenancePoints = 0
	}
	return state
}
