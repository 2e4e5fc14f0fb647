package command

import (
	"context"
	"errors"
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

type rolloverFixture struct {
	store     *memStore
	publisher *fakePublisher
	cache     *fakeCache
	clock     *stepClock
	today     timeutil.Date
	handler   *RunRolloverHandler
}

func newRolloverFixture(t *testing.T, mutate func(*RunRolloverHandlerConfig)) *rolloverFixture {
	t.Helper()
	f := &rolloverFixture{
		store:     newMemStore(),
		publisher: &fakePublisher{},
		cache:     &fakeCache{},
		clock:     &stepClock{now: time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)},
		today:     timeutil.MustParseDate("2026-03-10"),
	}
	cfg := DefaultRunRolloverHandlerConfig()
	cfg.Concurrency = 3
	cfg.PageSize = 2
	if mutate != nil {
		mutate(&cfg)
	}
	f.handler = NewRunRolloverHandler(f.store, metalsCatalog(t), &fakeLocker{}, f.cache, f.publisher, f.clock, nil, cfg)
	return f
}

func onSilver(t *testing.T, id shared.ParticipantID, earnedAt time.Time, state badge.LadderState) *participant.Participant {
	t.Helper()
	p := participant.New(id, earnedAt)
	require.NoError(t, p.RecordPoints(2600, nil, earnedAt, time.UTC))
	state.CurrentBadgeID = badge.ID("silver").Ptr()
	state.HighestEarnedBadgeID = badge.ID("silver").Ptr()
	p.SetLadder(state)
	return p
}

func TestRunRollover_MaintenanceOutcomes(t *testing.T) {
	f := newRolloverFixture(t, nil)
	recent := f.clock.now.AddDate(0, 0, -20)
	due := timeutil.DatePtr(f.today)

	f.store.put(t, onSilver(t, "a-keeper", recent, badge.LadderState{
		Status: badge.StatusActive, MaintenancePoints: 350, PeriodEnd: due,
	}))
	f.store.put(t, onSilver(t, "b-slacker", recent, badge.LadderState{
		Status: badge.StatusActive, MaintenancePoints: 100, PeriodEnd: due,
	}))
	f.store.put(t, onSilver(t, "c-lapsed", recent, badge.LadderState{
		Status:            badge.StatusGrace,
		MaintenancePoints: 100,
		PeriodEnd:         timeutil.DatePtr(f.today.AddDays(-8)),
		GraceEnd:          timeutil.DatePtr(f.today.AddDays(-1)),
	}))
	f.store.put(t, onSilver(t, "d-early", recent, badge.LadderState{
		Status: badge.StatusActive, PeriodEnd: timeutil.DatePtr(f.today.AddDays(5)),
	}))

	res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, 1, res.Maintained)
	assert.Equal(t, 1, res.Graced)
	assert.Equal(t, 1, res.Demoted)
	assert.Equal(t, 0, res.Failed)

	keeper := f.store.load(t, "a-keeper")
	assert.Equal(t, badge.StatusActive, keeper.Ladder.Status)
	assert.Equal(t, 0.0, keeper.Ladder.MaintenancePoints)
	assert.Equal(t, "2026-04-09", keeper.Ladder.PeriodEnd.String())

	slacker := f.store.load(t, "b-slacker")
	assert.Equal(t, badge.StatusGrace, slacker.Ladder.Status)
	assert.Equal(t, "2026-03-17", slacker.Ladder.GraceEnd.String())
	assert.Equal(t, 100.0, slacker.Ladder.MaintenancePoints)

	lapsed := f.store.load(t, "c-lapsed")
	assert.Equal(t, badge.StatusDemoted, lapsed.Ladder.Status)
	assert.Equal(t, badge.ID("bronze"), *lapsed.Ladder.CurrentBadgeID)
	assert.Equal(t, badge.ID("silver"), *lapsed.Ladder.HighestEarnedBadgeID)
	_, queued := f.store.pendingRow("c-lapsed")
	assert.True(t, queued, "demotion queues a re-evaluation")

	early := f.store.load(t, "d-early")
	assert.Equal(t, badge.StatusActive, early.Ladder.Status)

	demoted := f.publisher.ofType(shared.EventBadgeDemoted)
	require.Len(t, demoted, 1)
	assert.Equal(t, "bronze", demoted[0].(shared.BadgeMaintenanceEvent).NewBadgeID)
	assert.Len(t, f.publisher.ofType(shared.EventBadgeMaintained), 1)
	assert.Len(t, f.publisher.ofType(shared.EventBadgeGraceEntered), 1)

	completed := f.publisher.ofType(shared.EventRolloverCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "2026-03-10", completed[0].(shared.RolloverCompletedEvent).Day)
}

func TestRunRollover_Prune(t *testing.T) {
	f := newRolloverFixture(t, nil)
	old := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

	p := participant.New("newbie", old)
	require.NoError(t, p.RecordPoints(40, nil, old, time.UTC))
	f.store.put(t, p)

	res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)

	after := f.store.load(t, "newbie")
	assert.Empty(t, after.Stats[stats.Daily])
	assert.Equal(t, 40.0, after.LifetimeTotal())

	pruned := f.publisher.ofType(shared.EventStatsPruned)
	require.Len(t, pruned, 1)
	assert.Equal(t, map[string]int{"daily": 1}, pruned[0].(shared.StatsPrunedEvent).Removed)
}

func TestRunRollover_PruneDisabledVisitsBadgeHoldersOnly(t *testing.T) {
	f := newRolloverFixture(t, func(c *RunRolloverHandlerConfig) { c.Prune = false })
	old := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

	p := participant.New("newbie", old)
	require.NoError(t, p.RecordPoints(40, nil, old, time.UTC))
	f.store.put(t, p)
	f.store.put(t, onSilver(t, "holder", old, badge.LadderState{
		Status: badge.StatusActive, PeriodEnd: timeutil.DatePtr(f.today.AddDays(3)),
	}))

	res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, f.store.load(t, "newbie").Stats[stats.Daily], 1)
}

func TestRunRollover_FailureDoesNotStopPass(t *testing.T) {
	f := newRolloverFixture(t, nil)
	recent := f.clock.now.AddDate(0, 0, -2)

	broken := participant.New("broken", recent)
	broken.SetLadder(badge.LadderState{
		CurrentBadgeID:       badge.ID("platinum").Ptr(),
		HighestEarnedBadgeID: badge.ID("platinum").Ptr(),
		Status:               badge.StatusActive,
	})
	f.store.put(t, broken)
	f.store.put(t, onSilver(t, "fine", recent, badge.LadderState{
		Status: badge.StatusActive, MaintenancePoints: 400, PeriodEnd: timeutil.DatePtr(f.today),
	}))

	res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Maintained)
}

func TestRunRollover_ListFailure(t *testing.T) {
	f := newRolloverFixture(t, nil)
	f.store.failList = shared.ErrServiceUnavailable

	_, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrServiceUnavailable))
	assert.Empty(t, f.publisher.ofType(shared.EventRolloverCompleted))
}

func TestRunRollover_InvalidRetention(t *testing.T) {
	f := newRolloverFixture(t, func(c *RunRolloverHandlerConfig) {
		c.Retention = stats.Retention{"hourly": 3}
	})

	_, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.Error(t, err)
	assert.True(t, shared.IsValidation(err))
}

func TestRunRollover_OpensMissingMaintenanceWindow(t *testing.T) {
	f := newRolloverFixture(t, nil)
	old := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

	// silver gained maintenance after this participant earned it.
	f.store.put(t, onSilver(t, "veteran", old, badge.LadderState{
		Status: badge.StatusActive, MaintenancePoints: 1200,
	}))

	res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Pruned)

	veteran := f.store.load(t, "veteran")
	require.NotNil(t, veteran.Ladder.PeriodEnd)
	assert.Equal(t, "2026-04-09", veteran.Ladder.PeriodEnd.String())
	assert.Equal(t, 0.0, veteran.Ladder.MaintenancePoints)
	assert.Equal(t, badge.StatusActive, veteran.Ladder.Status)
	assert.Empty(t, veteran.Stats[stats.Daily])

	for _, day := range []timeutil.Date{f.today.AddDays(1), f.today.AddDays(2)} {
		res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: day})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Failed, day.String())
	}
	assert.Equal(t, "2026-04-09", f.store.load(t, "veteran").Ladder.PeriodEnd.String())
}

func TestRunRollover_PrunesWhenMaintenanceFails(t *testing.T) {
	f := newRolloverFixture(t, nil)
	old := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

	// platinum is no longer in the catalog.
	orphan := participant.New("orphan", old)
	require.NoError(t, orphan.RecordPoints(40, nil, old, time.UTC))
	orphan.SetLadder(badge.LadderState{
		CurrentBadgeID:       badge.ID("platinum").Ptr(),
		HighestEarnedBadgeID: badge.ID("platinum").Ptr(),
		Status:               badge.StatusActive,
	})
	f.store.put(t, orphan)

	res, err := f.handler.Handle(context.Background(), RunRolloverCommand{Today: f.today})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Pruned)

	after := f.store.load(t, "orphan")
	assert.Empty(t, after.Stats[stats.Daily])
	assert.Equal(t, 40.0, after.LifetimeTotal())
	assert.Equal(t, badge.ID("platinum"), *after.Ladder.CurrentBadgeID)
	assert.Len(t, f.publisher.ofType(shared.EventStatsPruned), 1)
}
