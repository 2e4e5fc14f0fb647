// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"math"
	"regexp"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// ParticipantID identifies a participant (a child on the chore board).
// Household systems hand out short slugs or UUIDs, so both are accepted.
type ParticipantID string

var participantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]{0,63}$`)

// IsValid checks if the participant ID has an acceptable format.
func (p ParticipantID) IsValid() bool {
	return participantIDRegex.MatchString(string(p))
}

// String returns the string representation.
func (p ParticipantID) String() string {
	return string(p)
}

// IsEmpty checks if the ID is empty.
func (p ParticipantID) IsEmpty() bool {
	return p == ""
}

// NewParticipantID creates a new ParticipantID with validation.
func NewParticipantID(id string) (ParticipantID, error) {
	pid := ParticipantID(strings.TrimSpace(id))
	if !pid.IsValid() {
		return "", ErrInvalidParticipantID
	}
	return pid, nil
}

// EventID identifies one point-earning event for idempotent recording.
type EventID string

var eventIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:/-]{1,128}$`)

// IsValid checks the event ID format.
func (e EventID) IsValid() bool {
	return eventIDRegex.MatchString(string(e))
}

// String returns the string representation.
func (e EventID) String() string {
	return string(e)
}

// NewEventID creates a new EventID with validation.
func NewEventID(id string) (EventID, error) {
	eid := EventID(strings.TrimSpace(id))
	if !eid.IsValid() {
		return "", ErrInvalidEventID
	}
	return eid, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Points Value Object
// ═══════════════════════════════════════════════════════════════════════════

// Points is a finite point amount. Negative values are corrections.
type Points float64

// IsValid checks that the amount is a finite number.
func (p Points) IsValid() bool {
	f := float64(p)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Float64 returns the underlying value.
func (p Points) Float64() float64 {
	return float64(p)
}

// Scale applies a badge multiplier. A non-positive multiplier leaves the
// amount unchanged.
func (p Points) Scale(multiplier float64) Points {
	if multiplier <= 0 {
		return p
	}
	return Points(float64(p) * multiplier)
}

// NewPoints creates a new Points value with validation.
func NewPoints(amount float64) (Points, error) {
	p := Points(amount)
	if !p.IsValid() {
		return 0, ErrInvalidPoints
	}
	return p, nil
}
