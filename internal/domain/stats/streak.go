package stats

import (
	"fmt"
	"strings"
)

// StreakActivity is the streak advanced by any point-earning event.
const StreakActivity = "activity"

// Streak is a consecutive-days counter.
type Streak struct {
	Count    int    `json:"count"`
	Best     int    `json:"best"`
	LastDate string `json:"last_date,omitempty"`
}

// Streaks holds every named streak of a participant.
type Streaks map[string]Streak

// Clone returns an independent copy.
func (s Streaks) Clone() Streaks {
	out := make(Streaks, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// UpdateStreak computes the next count for streakKey.
//
//   - currentDateKey == lastDateKey: count unchanged, so replays are harmless
//   - currentDateKey is the day after lastDateKey: count + 1
//   - anything else, including an empty lastDateKey: count resets to 1
//
// Both keys are daily period keys (YYYY-MM-DD). The caller decides what
// "current" means; nothing here reads a clock.
func UpdateStreak(container Streaks, streakKey, lastDateKey, currentDateKey string) (int, string, error) {
	if strings.TrimSpace(streakKey) == "" {
		return 0, "", fmt.Errorf("%w: empty streak key", ErrInvalidStreakKey)
	}
	current, err := parseDailyKey(currentDateKey)
	if err != nil {
		return 0, "", err
	}
	existing := container[streakKey].Count

	if lastDateKey == "" {
		return 1, currentDateKey, nil
	}
	last, err := parseDailyKey(lastDateKey)
	if err != nil {
		return 0, "", err
	}

	switch {
	case current.Equal(last):
		return existing, lastDateKey, nil
	case last.AddDays(1).Equal(current):
		return existing + 1, currentDateKey, nil
	default:
		return 1, currentDateKey, nil
	}
}

// Advance runs UpdateStreak against the stored last date of streakKey and
// returns a new container with the updated streak and best-ever count.
func (s Streaks) Advance(streakKey, currentDateKey string) (Streaks, Streak, error) {
	prev := s[streakKey]
	count, last, err := UpdateStreak(s, streakKey, prev.LastDate, currentDateKey)
	if err != nil {
		return nil, Streak{}, err
	}

	next := Streak{Count: count, Best: prev.Best, LastDate: last}
	if next.Count > next.Best {
		next.Best = next.Count
	}
	out := s.Clone()
	out[streakKey] = next
	return out, next, nil
}
