package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
)

func TestDrainPending_EvaluatesDueRows(t *testing.T) {
	ctx := context.Background()
	f := newEvaluateFixture(t, badge.PolicyStrict)
	drain := NewDrainPendingHandler(f.store, f.handler, f.clock, nil, DefaultDrainPendingHandlerConfig())

	debounce := participant.Debounce{Delay: 10 * time.Second, MaxWait: time.Minute}
	p := withPoints(t, 600, f.clock.now)
	f.store.put(t, p)
	require.NoError(t, f.store.Enqueue(ctx, "ana", f.clock.now, debounce))
	require.NoError(t, f.store.Enqueue(ctx, "later", f.clock.now.Add(time.Minute), debounce))

	res, err := drain.Handle(ctx, DrainPendingCommand{Now: f.clock.now.Add(15 * time.Second)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Evaluated)
	assert.Equal(t, 1, res.Promoted)
	assert.Equal(t, badge.ID("bronze"), *f.store.load(t, "ana").Ladder.CurrentBadgeID)

	count, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "only the row not yet due is left")
}

func TestDrainPending_FailedRowStaysLeased(t *testing.T) {
	ctx := context.Background()
	f := newEvaluateFixture(t, badge.PolicyStrict)
	cfg := DefaultDrainPendingHandlerConfig()
	cfg.Lease = time.Minute
	drain := NewDrainPendingHandler(f.store, f.handler, f.clock, nil, cfg)

	f.store.put(t, withPoints(t, 600, f.clock.now))
	require.NoError(t, f.store.Enqueue(ctx, "ana", f.clock.now, participant.Debounce{}))
	f.store.failSave = shared.ErrServiceUnavailable

	res, err := drain.Handle(ctx, DrainPendingCommand{Now: f.clock.now})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	row, ok := f.store.pendingRow("ana")
	require.True(t, ok)
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, f.clock.now.Add(time.Minute), row.DueAt)

	res, err = drain.Handle(ctx, DrainPendingCommand{Now: f.clock.now.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed, "leased row is hidden")
}

func TestDrainPending_Empty(t *testing.T) {
	f := newEvaluateFixture(t, badge.PolicyStrict)
	drain := NewDrainPendingHandler(f.store, f.handler, f.clock, nil, DefaultDrainPendingHandlerConfig())

	res, err := drain.Handle(context.Background(), DrainPendingCommand{})
	require.NoError(t, err)
	assert.Equal(t, &DrainPendingResult{}, res)
}
