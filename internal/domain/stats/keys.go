package stats

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/choreboard/points-engine/pkg/timeutil"
)

// PeriodKeys holds the canonical bucket keys for one instant.
type PeriodKeys struct {
	Daily   string `json:"daily"`
	Weekly  string `json:"weekly"`
	Monthly string `json:"monthly"`
	Yearly  string `json:"yearly"`
}

// DerivePeriodKeys maps an instant, observed in zone, to its period keys.
// Weekly keys use ISO-8601 week numbering, so late-December days can land in
// week 01 of the next ISO year and early-January days in week 52/53 of the
// previous one.
func DerivePeriodKeys(instant time.Time, zone *time.Location) PeriodKeys {
	local := timeutil.In(instant, zone)
	isoYear, isoWeek := local.ISOWeek()
	return PeriodKeys{
		Daily:   local.Format(timeutil.FormatDate),
		Weekly:  fmt.Sprintf("%04d-W%02d", isoYear, isoWeek),
		Monthly: local.Format("2006-01"),
		Yearly:  fmt.Sprintf("%04d", local.Year()),
	}
}

// For returns the key for a granularity. all_time always maps to AllTimeKey.
func (k PeriodKeys) For(g Granularity) (string, error) {
	switch g {
	case Daily:
		return k.Daily, nil
	case Weekly:
		return k.Weekly, nil
	case Monthly:
		return k.Monthly, nil
	case Yearly:
		return k.Yearly, nil
	case AllTime:
		return AllTimeKey, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, string(g))
}

var (
	dailyKeyRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	weeklyKeyRe  = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)
	monthlyKeyRe = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)
	yearlyKeyRe  = regexp.MustCompile(`^\d{4}$`)
)

// ValidateKey checks that key has the shape its granularity requires.
func ValidateKey(g Granularity, key string) error {
	ok := false
	switch g {
	case Daily:
		if dailyKeyRe.MatchString(key) {
			_, err := time.Parse(timeutil.FormatDate, key)
			ok = err == nil
		}
	case Weekly:
		if m := weeklyKeyRe.FindStringSubmatch(key); m != nil {
			week, _ := strconv.Atoi(m[2])
			ok = week >= 1 && week <= 53
		}
	case Monthly:
		ok = monthlyKeyRe.MatchString(key)
	case Yearly:
		ok = yearlyKeyRe.MatchString(key)
	case AllTime:
		ok = key == AllTimeKey
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGranularity, string(g))
	}
	if !ok {
		return fmt.Errorf("%w: %s key %q", ErrInvalidPeriodKey, g, key)
	}
	return nil
}

// parseDailyKey turns a daily key back into a civil date.
func parseDailyKey(key string) (timeutil.Date, error) {
	if err := ValidateKey(Daily, key); err != nil {
		return timeutil.Date{}, err
	}
	return timeutil.ParseDate(key)
}
