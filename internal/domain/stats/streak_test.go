package stats

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateStreak(t *testing.T) {
	container := Streaks{StreakActivity: {Count: 4, Best: 6, LastDate: "2026-01-19"}}

	tests := []struct {
		name      string
		last      string
		current   string
		wantCount int
		wantLast  string
	}{
		{name: "first ever activity", last: "", current: "2026-01-20", wantCount: 1, wantLast: "2026-01-20"},
		{name: "same day is idempotent", last: "2026-01-19", current: "2026-01-19", wantCount: 4, wantLast: "2026-01-19"},
		{name: "next day extends", last: "2026-01-19", current: "2026-01-20", wantCount: 5, wantLast: "2026-01-20"},
		{name: "gap resets", last: "2026-01-19", current: "2026-01-22", wantCount: 1, wantLast: "2026-01-22"},
		{name: "earlier date resets", last: "2026-01-19", current: "2026-01-10", wantCount: 1, wantLast: "2026-01-10"},
		{name: "month boundary extends", last: "2026-01-31", current: "2026-02-01", wantCount: 5, wantLast: "2026-02-01"},
		{name: "leap day extends", last: "2028-02-28", current: "2028-02-29", wantCount: 5, wantLast: "2028-02-29"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, last, err := UpdateStreak(container, StreakActivity, tt.last, tt.current)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, count)
			assert.Equal(t, tt.wantLast, last)
		})
	}
}

func TestUpdateStreak_UnknownKeyStartsAtZero(t *testing.T) {
	count, _, err := UpdateStreak(Streaks{}, "dishes", "2026-01-19", "2026-01-20")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateStreak_Errors(t *testing.T) {
	_, _, err := UpdateStreak(nil, " ", "", "2026-01-20")
	assert.True(t, errors.Is(err, ErrInvalidStreakKey))

	_, _, err = UpdateStreak(nil, StreakActivity, "", "20-01-2026")
	assert.True(t, errors.Is(err, ErrInvalidPeriodKey))

	_, _, err = UpdateStreak(nil, StreakActivity, "2026-02-30", "2026-03-01")
	assert.True(t, errors.Is(err, ErrInvalidPeriodKey))
}

func TestStreaksAdvance(t *testing.T) {
	var s Streaks

	days := []string{"2026-01-01", "2026-01-02", "2026-01-02", "2026-01-03", "2026-01-07", "2026-01-08"}
	wantCounts := []int{1, 2, 2, 3, 1, 2}

	for i, day := range days {
		next, streak, err := s.Advance(StreakActivity, day)
		require.NoError(t, err)
		assert.Equal(t, wantCounts[i], streak.Count, "day %s", day)
		s = next
	}

	got := s[StreakActivity]
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, 3, got.Best)
	assert.Equal(t, "2026-01-08", got.LastDate)
}

func TestStreaksAdvance_DoesNotMutateReceiver(t *testing.T) {
	s := Streaks{StreakActivity: {Count: 1, Best: 1, LastDate: "2026-01-01"}}

	_, _, err := s.Advance(StreakActivity, "2026-01-02")
	require.NoError(t, err)
	assert.Equal(t, 1, s[StreakActivity].Count)
}
