package command

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

type recordFixture struct {
	store     *memStore
	locker    *fakeLocker
	cache     *fakeCache
	publisher *fakePublisher
	clock     *stepClock
	handler   *RecordPointsHandler
}

func newRecordFixture(t *testing.T, mutate func(*RecordPointsHandlerConfig)) *recordFixture {
	t.Helper()
	f := &recordFixture{
		store:     newMemStore(),
		locker:    &fakeLocker{},
		cache:     &fakeCache{},
		publisher: &fakePublisher{},
		clock:     &stepClock{now: time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)},
	}
	cfg := DefaultRecordPointsHandlerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f.handler = NewRecordPointsHandler(f.store, metalsCatalog(t), f.locker, f.cache, f.publisher, f.clock, nil, cfg)
	return f
}

func TestRecordPoints_NewParticipant(t *testing.T) {
	f := newRecordFixture(t, nil)

	res, err := f.handler.Handle(context.Background(), RecordPointsCommand{
		ParticipantID: "ana",
		Points:        30,
		Metrics:       map[string]float64{stats.MetricChoresApproved: 1},
		EventID:       "chore-1",
		Source:        "chore_approval",
	})
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.Equal(t, 30.0, res.Points)
	assert.Equal(t, 1.0, res.Multiplier)
	assert.Equal(t, 30.0, res.LifetimeTotal)
	require.NotNil(t, res.Streak)
	assert.Equal(t, 1, res.Streak.Count)

	p := f.store.load(t, "ana")
	assert.Equal(t, 30.0, p.LifetimeTotal())
	assert.Equal(t, 30.0, p.Stats.Value(stats.Daily, "2026-03-10", stats.MetricEarned))
	assert.Equal(t, 1.0, p.Stats.Value(stats.Monthly, "2026-03", stats.MetricChoresApproved))
	assert.Equal(t, int64(1), p.Version)

	row, ok := f.store.pendingRow("ana")
	require.True(t, ok)
	assert.Equal(t, f.clock.now.Add(5*time.Second), row.DueAt)

	assert.Len(t, f.publisher.ofType(shared.EventPointsRecorded), 1)
	assert.Len(t, f.publisher.ofType(shared.EventStreakUpdated), 1)
	assert.Equal(t, []shared.ParticipantID{"ana"}, f.cache.invalidated)
	assert.Empty(t, f.locker.held, "lock released")
}

func TestRecordPoints_DuplicateEventID(t *testing.T) {
	f := newRecordFixture(t, nil)
	cmd := RecordPointsCommand{ParticipantID: "ana", Points: 30, EventID: "chore-1"}

	_, err := f.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)

	res, err := f.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	assert.Equal(t, 30.0, f.store.load(t, "ana").LifetimeTotal())
	assert.Len(t, f.publisher.ofType(shared.EventPointsRecorded), 1)
}

func TestRecordPoints_FingerprintWithoutEventID(t *testing.T) {
	f := newRecordFixture(t, nil)
	at := f.clock.now.Add(-time.Hour)
	cmd := RecordPointsCommand{ParticipantID: "ana", Points: 15, OccurredAt: at, Source: "bonus"}

	first, err := f.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	assert.Contains(t, first.EventID, "fp:")

	second, err := f.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	cmd.Points = 16
	third, err := f.handler.Handle(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.Equal(t, 31.0, f.store.load(t, "ana").LifetimeTotal())
}

func silverHolder(t *testing.T, at time.Time) *participant.Participant {
	t.Helper()
	p := participant.New("ana", at)
	require.NoError(t, p.RecordPoints(2600, nil, at, time.UTC))
	p.SetLadder(badge.LadderState{
		CurrentBadgeID:       badge.ID("silver").Ptr(),
		HighestEarnedBadgeID: badge.ID("silver").Ptr(),
		Status:               badge.StatusActive,
		PeriodEnd:            timeutil.DatePtr(timeutil.DateOf(at, time.UTC).AddDays(30)),
	})
	return p
}

func TestRecordPoints_Multiplier(t *testing.T) {
	tests := []struct {
		name     string
		apply    bool
		wantPts  float64
		wantMult float64
	}{
		{name: "applied", apply: true, wantPts: 150, wantMult: 1.5},
		{name: "disabled", apply: false, wantPts: 100, wantMult: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRecordFixture(t, func(c *RecordPointsHandlerConfig) { c.ApplyMultiplier = tt.apply })
			f.store.put(t, silverHolder(t, f.clock.now.AddDate(0, 0, -3)))

			res, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 100, EventID: "e1"})
			require.NoError(t, err)

			assert.Equal(t, tt.wantPts, res.Points)
			assert.Equal(t, tt.wantMult, res.Multiplier)
			p := f.store.load(t, "ana")
			assert.Equal(t, 2600+tt.wantPts, p.LifetimeTotal())
			assert.Equal(t, tt.wantPts, p.Ladder.MaintenancePoints)
		})
	}
}

func TestRecordPoints_NegativeCorrection(t *testing.T) {
	f := newRecordFixture(t, nil)
	f.store.put(t, silverHolder(t, f.clock.now.AddDate(0, 0, -3)))

	res, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: -40, EventID: "fix-1"})
	require.NoError(t, err)

	assert.Nil(t, res.Streak, "corrections do not count as activity")
	p := f.store.load(t, "ana")
	assert.Equal(t, 2540.0, p.LifetimeTotal())
	assert.Equal(t, 0.0, p.Ladder.MaintenancePoints)
	assert.Empty(t, f.publisher.ofType(shared.EventStreakUpdated))
}

func TestRecordPoints_StreaksDisabled(t *testing.T) {
	f := newRecordFixture(t, func(c *RecordPointsHandlerConfig) { c.TrackStreaks = false })

	res, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 5, EventID: "e1"})
	require.NoError(t, err)
	assert.Nil(t, res.Streak)
	assert.Empty(t, f.store.load(t, "ana").Streaks)
}

func TestRecordPoints_LateEventKeepsStreak(t *testing.T) {
	f := newRecordFixture(t, nil)
	record := func(eventID string, at time.Time) *RecordPointsResult {
		t.Helper()
		res, err := f.handler.Handle(context.Background(), RecordPointsCommand{
			ParticipantID: "ana", Points: 10, EventID: eventID, OccurredAt: at,
		})
		require.NoError(t, err)
		return res
	}

	start := time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		record(fmt.Sprintf("day-%d", i), start.AddDate(0, 0, i))
	}
	assert.Equal(t, stats.Streak{Count: 5, Best: 5, LastDate: "2026-03-10"}, f.store.load(t, "ana").Streaks[stats.StreakActivity])
	updates := len(f.publisher.ofType(shared.EventStreakUpdated))

	late := record("late", time.Date(2026, 3, 8, 20, 0, 0, 0, time.UTC))
	require.NotNil(t, late.Streak)
	assert.Equal(t, 5, late.Streak.Count)
	assert.Len(t, f.publisher.ofType(shared.EventStreakUpdated), updates, "no streak event for a late chore")

	p := f.store.load(t, "ana")
	assert.Equal(t, stats.Streak{Count: 5, Best: 5, LastDate: "2026-03-10"}, p.Streaks[stats.StreakActivity])
	assert.Equal(t, 20.0, p.Stats.Value(stats.Daily, "2026-03-08", stats.MetricEarned), "points still land on their day")

	next := record("day-5", time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, 6, next.Streak.Count)
}

func TestRecordPoints_DebounceCapsAtMaxWait(t *testing.T) {
	f := newRecordFixture(t, func(c *RecordPointsHandlerConfig) {
		c.Debounce = participant.Debounce{Delay: 10 * time.Second, MaxWait: 25 * time.Second}
	})
	start := f.clock.now

	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		f.clock.now = start.Add(time.Duration(i) * 8 * time.Second)
		_, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 1, EventID: id})
		require.NoError(t, err)
	}

	row, ok := f.store.pendingRow("ana")
	require.True(t, ok)
	assert.Equal(t, start, row.FirstSeen)
	assert.Equal(t, start.Add(25*time.Second), row.DueAt)
}

func TestRecordPoints_SaveFailureRollsBack(t *testing.T) {
	f := newRecordFixture(t, nil)
	f.store.failSave = shared.ErrConcurrentModification

	_, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 10, EventID: "e1"})
	require.Error(t, err)
	assert.True(t, shared.IsConflict(err))

	_, ok := f.store.pendingRow("ana")
	assert.False(t, ok)
	assert.Empty(t, f.publisher.events)

	f.store.failSave = nil
	res, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 10, EventID: "e1"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "ledger entry rolled back with the failed attempt")
}

func TestRecordPoints_LockFailure(t *testing.T) {
	f := newRecordFixture(t, nil)
	f.locker.failOn = "ana"

	_, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 10, EventID: "e1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrLocked))
	assert.Equal(t, 0, f.store.saveCalls)
}

func TestRecordPoints_RejectsCommandWithoutIdentity(t *testing.T) {
	f := newRecordFixture(t, nil)

	_, err := f.handler.Handle(context.Background(), RecordPointsCommand{ParticipantID: "ana", Points: 10, Source: "bonus"})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
	assert.Equal(t, 0, f.store.saveCalls)
	assert.Empty(t, f.publisher.ofType(shared.EventPointsRecorded))
}

func TestRecordPointsCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     RecordPointsCommand
		wantErr error
	}{
		{name: "valid with event id", cmd: RecordPointsCommand{ParticipantID: "ana", Points: 3, EventID: "e1"}},
		{name: "valid with occurred_at", cmd: RecordPointsCommand{ParticipantID: "ana", Points: 3, OccurredAt: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}},
		{name: "no event id or occurred_at", cmd: RecordPointsCommand{ParticipantID: "ana", Points: 3}, wantErr: shared.ErrInvalidInput},
		{name: "bad participant", cmd: RecordPointsCommand{ParticipantID: "", Points: 3}, wantErr: shared.ErrInvalidID},
		{name: "nan points", cmd: RecordPointsCommand{ParticipantID: "ana", Points: math.NaN()}, wantErr: shared.ErrInvalidPoints},
		{name: "bad event id", cmd: RecordPointsCommand{ParticipantID: "ana", EventID: "has space"}, wantErr: shared.ErrInvalidEventID},
		{name: "earned metric", cmd: RecordPointsCommand{ParticipantID: "ana", Metrics: map[string]float64{stats.MetricEarned: 1}}, wantErr: shared.ErrInvalidInput},
		{name: "inf metric", cmd: RecordPointsCommand{ParticipantID: "ana", Metrics: map[string]float64{"x": math.Inf(1)}}, wantErr: shared.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}
