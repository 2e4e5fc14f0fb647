// Package stats is the statistics engine: it turns point and chore events into
// period-bucketed aggregates and a monotonic lifetime total.
//
// Every function here is pure. Callers pass the full bucket tree plus an
// explicit instant and get a new tree back; inputs are never modified.
package stats

import (
	"fmt"
	"strings"
)

// Granularity names one level of the bucket tree.
type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
	Yearly  Granularity = "yearly"
	AllTime Granularity = "all_time"
)

// AllTimeKey is the only period key allowed under the all_time granularity.
const AllTimeKey = "all_time"

// periodic lists the calendar granularities in coarsening order.
var periodic = []Granularity{Daily, Weekly, Monthly, Yearly}

// Periodic returns the four calendar granularities (everything but all_time).
func Periodic() []Granularity {
	out := make([]Granularity, len(periodic))
	copy(out, periodic)
	return out
}

// IsValid reports whether g is one of the five known granularities.
func (g Granularity) IsValid() bool {
	switch g {
	case Daily, Weekly, Monthly, Yearly, AllTime:
		return true
	}
	return false
}

// IsPeriodic reports whether g is a calendar granularity.
func (g Granularity) IsPeriodic() bool {
	return g.IsValid() && g != AllTime
}

// String implements fmt.Stringer.
func (g Granularity) String() string { return string(g) }

// ParseGranularity validates a granularity name from the outside world.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	if !g.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}
	return g, nil
}

// Well-known metric names.
const (
	MetricEarned         = "earned"
	MetricChoresApproved = "chores_approved"
	MetricBadgesAwarded  = "badges_awarded"
)
