// Package badge is the badge progression engine. It ranks participants on a
// ladder of cumulative badges by lifetime points, detects promotions and
// drives the maintenance / grace / demotion state machine.
//
// Like the stats package it is pure: the ladder state goes in by value and a
// new value comes out, "today" is always an argument, and nothing here
// performs I/O or keeps state between calls. The orchestrator in the
// application layer is responsible for serialising calls per participant.
//
// # Ladder
//
// The ladder of a participant is every cumulative badge assigned to them,
// ordered by threshold:
//
//	catalog, _ := badge.NewCatalog(defs)
//	assigned := catalog.AssignedTo("kid-1")
//	rank := badge.EvaluateRank(lifetime, catalog, assigned)
//	promo, _ := badge.CheckPromotion(state.CurrentBadgeID, rank, catalog)
//	state, _ = badge.ApplyPromotion(state, promo, catalog, today)
//
// # Maintenance
//
// Badges with maintenance parameters must be re-earned every window. A missed
// window opens a grace period; missing that as well demotes the participant
// to the next lower badge:
//
//	result, _ := badge.ProcessMaintenanceInterval(state, current, today)
//	state, _ = badge.ApplyMaintenance(state, result, catalog, assigned, today)
package badge

import (
	"fmt"
	"math"
	"strings"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// ID identifies a badge in the catalog.
type ID string

// String returns the string representation.
func (id ID) String() string { return string(id) }

// Ptr returns a pointer to a copy of id.
func (id ID) Ptr() *ID { return &id }

// Type is the badge kind. Only cumulative badges take part in the ladder.
type Type string

const (
	// TypeCumulative badges are earned by lifetime points.
	TypeCumulative Type = "cumulative"
)

// AssignEveryone in Assigned makes a badge available to every participant.
const AssignEveryone = "*"

// Badge is one catalog entry. Maintenance fields are all-or-nothing: either
// requirement, window and grace are all set or none of them is.
type Badge struct {
	ID         ID                     `json:"id" yaml:"id"`
	Name       string                 `json:"name,omitempty" yaml:"name"`
	Rank       int                    `json:"rank" yaml:"rank"`
	Threshold  float64                `json:"threshold" yaml:"threshold"`
	Type       Type                   `json:"type" yaml:"type"`
	Assigned   []shared.ParticipantID `json:"assigned" yaml:"assigned"`
	Multiplier float64                `json:"multiplier" yaml:"multiplier"`

	MaintenanceRequirement *float64 `json:"maintenance_requirement" yaml:"maintenance_requirement"`
	WindowLength           *int     `json:"window_length" yaml:"window_length"` // days
	GraceLength            *int     `json:"grace_length" yaml:"grace_length"`   // days
}

// IsCumulative reports whether the badge belongs on the ladder.
func (b Badge) IsCumulative() bool {
	return b.Type == TypeCumulative
}

// HasMaintenance reports whether the badge must be re-earned periodically.
func (b Badge) HasMaintenance() bool {
	return b.MaintenanceRequirement != nil
}

// Requirement returns the maintenance requirement, zero without maintenance.
func (b Badge) Requirement() float64 {
	if b.MaintenanceRequirement == nil {
		return 0
	}
	return *b.MaintenanceRequirement
}

// Window returns the maintenance window in days, zero without maintenance.
func (b Badge) Window() int {
	if b.WindowLength == nil {
		return 0
	}
	return *b.WindowLength
}

// Grace returns the grace period in days, zero without maintenance.
func (b Badge) Grace() int {
	if b.GraceLength == nil {
		return 0
	}
	return *b.GraceLength
}

// EffectiveMultiplier returns the point multiplier, treating unset as 1.
func (b Badge) EffectiveMultiplier() float64 {
	if b.Multiplier == 0 {
		return 1
	}
	return b.Multiplier
}

// IsAssignedTo reports whether the badge is available to participant.
func (b Badge) IsAssignedTo(participant shared.ParticipantID) bool {
	for _, p := range b.Assigned {
		if p == participant || p == AssignEveryone {
			return true
		}
	}
	return false
}

// Validate checks a single badge definition.
func (b Badge) Validate() error {
	if strings.TrimSpace(string(b.ID)) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidBadge)
	}
	if b.Type == "" {
		return fmt.Errorf("%w: %s: empty type", ErrInvalidBadge, b.ID)
	}
	if !finite(b.Threshold) || b.Threshold < 0 {
		return fmt.Errorf("%w: %s: threshold must be a non-negative number", ErrInvalidBadge, b.ID)
	}
	if !finite(b.Multiplier) || b.Multiplier < 0 {
		return fmt.Errorf("%w: %s: multiplier must be a non-negative number", ErrInvalidBadge, b.ID)
	}

	set := 0
	for _, present := range []bool{b.MaintenanceRequirement != nil, b.WindowLength != nil, b.GraceLength != nil} {
		if present {
			set++
		}
	}
	switch set {
	case 0:
		return nil
	case 3:
	default:
		return fmt.Errorf("%w: %s", ErrPartialMaintenance, b.ID)
	}

	if !finite(*b.MaintenanceRequirement) || *b.MaintenanceRequirement < 0 {
		return fmt.Errorf("%w: %s: maintenance requirement must be a non-negative number", ErrInvalidBadge, b.ID)
	}
	if *b.WindowLength <= 0 {
		return fmt.Errorf("%w: %s: window length must be positive", ErrInvalidBadge, b.ID)
	}
	if *b.GraceLength < 0 {
		return fmt.Errorf("%w: %s: grace length cannot be negative", ErrInvalidBadge, b.ID)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
