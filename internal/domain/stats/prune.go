package stats

import (
	"fmt"
	"time"

	"github.com/choreboard/points-engine/pkg/timeutil"
)

// Retention is how many periods to keep per granularity, counted back from
// the prune reference: days for daily, weeks for weekly and so on.
// A missing or zero entry keeps that granularity forever.
type Retention map[Granularity]int

// DefaultRetention keeps roughly a quarter of daily detail, a year of weeks,
// two years of months and every year.
func DefaultRetention() Retention {
	return Retention{
		Daily:   90,
		Weekly:  52,
		Monthly: 24,
		Yearly:  0,
	}
}

// Validate rejects unknown granularities and negative counts.
func (r Retention) Validate() error {
	for g, n := range r {
		if !g.IsValid() {
			return fmt.Errorf("%w: %q", ErrUnknownGranularity, string(g))
		}
		if n < 0 {
			return fmt.Errorf("%w: %s retention %d", ErrInvalidRetention, g, n)
		}
	}
	return nil
}

// PruneHistory drops every periodic key older than the retention window that
// ends at reference (observed in zone). Keys are compared as strings; each
// granularity's key format sorts chronologically. all_time is never pruned,
// and an all_time retention entry is ignored.
func PruneHistory(tree Tree, retention Retention, reference time.Time, zone *time.Location) (Tree, error) {
	if err := tree.Validate(); err != nil {
		return nil, err
	}
	if err := retention.Validate(); err != nil {
		return nil, err
	}

	next := tree.Clone()
	for g, keep := range retention {
		if g == AllTime || keep == 0 {
			continue
		}
		cutoff := PruneCutoff(g, keep, reference, zone)
		for key := range next[g] {
			if key < cutoff {
				delete(next[g], key)
			}
		}
	}
	return next, nil
}

// PruneCutoff returns the oldest key that survives keeping n periods of g.
func PruneCutoff(g Granularity, n int, reference time.Time, zone *time.Location) string {
	local := timeutil.In(reference, zone)
	// Noon UTC on the local civil date keeps AddDate clear of DST edges.
	day := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, time.UTC)

	switch g {
	case Daily:
		return day.AddDate(0, 0, -n).Format(timeutil.FormatDate)
	case Weekly:
		return DerivePeriodKeys(day.AddDate(0, 0, -7*n), time.UTC).Weekly
	case Monthly:
		first := time.Date(local.Year(), local.Month(), 1, 12, 0, 0, 0, time.UTC)
		return first.AddDate(0, -n, 0).Format("2006-01")
	case Yearly:
		return fmt.Sprintf("%04d", local.Year()-n)
	}
	return ""
}
