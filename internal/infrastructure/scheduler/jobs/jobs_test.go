package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

type fakeRollover struct {
	got command.RunRolloverCommand
	err error
}

func (f *fakeRollover) Handle(_ context.Context, cmd command.RunRolloverCommand) (*command.RunRolloverResult, error) {
	f.got = cmd
	if f.err != nil {
		return nil, f.err
	}
	return &command.RunRolloverResult{Day: cmd.Today, Processed: 3, Demoted: 1}, nil
}

type fakePurger struct {
	before time.Time
	err    error
}

func (f *fakePurger) PurgeProcessedEvents(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 42, f.err
}

var now = time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)

func TestRolloverJob_ClosesYesterdayAndPurges(t *testing.T) {
	runner := &fakeRollover{}
	purger := &fakePurger{}
	job := NewRolloverJob(runner, purger, timeutil.FixedClock{At: now}, nil, DefaultRolloverConfig())

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, "2026-03-09", runner.got.Today.String())
	assert.Equal(t, now.Add(-90*24*time.Hour), purger.before)

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, int64(42), stats.Purged)
	assert.Equal(t, 3, stats.Result.Processed)
}

func TestRolloverJob_CurrentDayWithoutPurger(t *testing.T) {
	runner := &fakeRollover{}
	cfg := DefaultRolloverConfig()
	cfg.CloseYesterday = false
	cfg.Zone = time.FixedZone("UTC-5", -5*60*60)
	job := NewRolloverJob(runner, nil, timeutil.FixedClock{At: now}, nil, cfg)

	require.NoError(t, job.Run(context.Background()))
	// 00:05 UTC is still the previous evening five hours west.
	assert.Equal(t, "2026-03-09", runner.got.Today.String())
}

func TestRolloverJob_Errors(t *testing.T) {
	boom := errors.New("boom")
	job := NewRolloverJob(&fakeRollover{err: boom}, nil, timeutil.FixedClock{At: now}, nil, DefaultRolloverConfig())
	assert.ErrorIs(t, job.Run(context.Background()), boom)
	assert.Nil(t, job.LastStats())

	job = NewRolloverJob(&fakeRollover{}, &fakePurger{err: boom}, timeutil.FixedClock{At: now}, nil, DefaultRolloverConfig())
	assert.ErrorIs(t, job.Run(context.Background()), boom)
	assert.NotNil(t, job.LastStats(), "rollover itself succeeded")
}

type fakeDrainer struct {
	claims []int
	calls  int
	err    error
}

func (f *fakeDrainer) Handle(_ context.Context, cmd command.DrainPendingCommand) (*command.DrainPendingResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	claimed := 0
	if f.calls < len(f.claims) {
		claimed = f.claims[f.calls]
	}
	f.calls++
	if claimed > cmd.Limit {
		claimed = cmd.Limit
	}
	return &command.DrainPendingResult{Claimed: claimed, Evaluated: claimed}, nil
}

func TestDrainPendingJob_StopsOnShortBatch(t *testing.T) {
	d := &fakeDrainer{claims: []int{10, 10, 4, 10}}
	job := NewDrainPendingJob(d, nil, DrainPendingConfig{BatchSize: 10, MaxBatches: 10})

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 3, d.calls)
}

func TestDrainPendingJob_BoundedBatches(t *testing.T) {
	d := &fakeDrainer{claims: []int{10, 10, 10, 10}}
	job := NewDrainPendingJob(d, nil, DrainPendingConfig{BatchSize: 10, MaxBatches: 2})

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 2, d.calls)
	assert.Equal(t, "drain_pending_evaluations", job.Name())
}

func TestDrainPendingJob_Error(t *testing.T) {
	boom := errors.New("claim failed")
	job := NewDrainPendingJob(&fakeDrainer{err: boom}, nil, DefaultDrainPendingConfig())
	assert.ErrorIs(t, job.Run(context.Background()), boom)
}
