package stats

import (
	"fmt"
	"math"
	"time"
)

// RecordTransaction applies increments to the daily, weekly, monthly and
// yearly buckets for instant and, when includeAllTime is set, to the single
// all_time bucket.
//
// The update is all-or-nothing: the result is built on a copy and returned
// only if every step succeeded. On error the input tree is untouched and the
// returned tree is nil. Negative increments are applied as-is.
func RecordTransaction(tree Tree, increments Metrics, instant time.Time, zone *time.Location, includeAllTime bool) (Tree, error) {
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	if err := validateIncrements(increments); err != nil {
		return nil, err
	}

	keys := DerivePeriodKeys(instant, zone)
	targets := Periodic()
	if includeAllTime {
		targets = append(targets, AllTime)
	}

	next := tree.Clone()
	for _, g := range targets {
		key, err := keys.For(g)
		if err != nil {
			return nil, err
		}
		bucket := next.bucket(g, key)
		for name, delta := range increments {
			bucket[name] += delta
		}
	}
	return next, nil
}

func validateIncrements(increments Metrics) error {
	for name, delta := range increments {
		if name == "" {
			return fmt.Errorf("%w: empty metric name", ErrInvalidIncrement)
		}
		if math.IsNaN(delta) || math.IsInf(delta, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidIncrement, name)
		}
	}
	return nil
}
