package badge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// demotedFromGold is a participant who once held gold and now sits on silver.
func demotedFromGold() LadderState {
	return LadderState{
		CurrentBadgeID:       ID("silver").Ptr(),
		HighestEarnedBadgeID: ID("gold").Ptr(),
		Status:               StatusDemoted,
	}
}

func TestReconcileRank_PromotesNormally(t *testing.T) {
	c := maintainedLadder(t)
	state := NewLadderState()

	for _, policy := range []Policy{PolicyStrict, PolicyIndependent} {
		d, err := ReconcileRank(state, c, c.AllIDs(), 2600, policy)
		require.NoError(t, err)
		require.NotNil(t, d.Promotion, string(policy))
		assert.Equal(t, ID("silver"), d.Promotion.To)
		assert.False(t, d.Suppressed)
	}
}

func TestReconcileRank_StrictSuppressesRepromotion(t *testing.T) {
	c := maintainedLadder(t)

	d, err := ReconcileRank(demotedFromGold(), c, c.AllIDs(), 6000, PolicyStrict)
	require.NoError(t, err)
	assert.Nil(t, d.Promotion)
	assert.True(t, d.Suppressed)
	assert.Equal(t, ID("gold"), *d.Rank)
}

func TestReconcileRank_IndependentRepromotes(t *testing.T) {
	c := maintainedLadder(t)

	d, err := ReconcileRank(demotedFromGold(), c, c.AllIDs(), 6000, PolicyIndependent)
	require.NoError(t, err)
	require.NotNil(t, d.Promotion)
	assert.Equal(t, ID("gold"), d.Promotion.To)
	assert.False(t, d.Promotion.Reinstatement)
}

func TestReconcileRank_StrictReinstatesWithMaintenancePoints(t *testing.T) {
	c := maintainedLadder(t)
	state := AccrueMaintenance(demotedFromGold(), 100)

	d, err := ReconcileRank(state, c, c.AllIDs(), 6000, PolicyStrict)
	require.NoError(t, err)
	require.NotNil(t, d.Promotion)
	assert.Equal(t, ID("gold"), d.Promotion.To)
	assert.Equal(t, ID("silver"), *d.Promotion.From)
	assert.True(t, d.Promotion.Reinstatement)
	assert.True(t, d.Promotion.ResetMaintenance)
	assert.False(t, d.Suppressed)

	next, err := ApplyPromotion(state, d.Promotion, c, date("2026-02-01"))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, next.Status)
	assert.Equal(t, ID("gold"), *next.CurrentBadgeID)
	assert.Zero(t, next.MaintenancePoints)
	assert.Equal(t, "2026-03-03", next.PeriodEnd.String())
	assert.False(t, next.BelowHighWater(c))
}

func TestCheckReinstatement(t *testing.T) {
	c := maintainedLadder(t)
	all := c.AllIDs()

	t.Run("not demoted", func(t *testing.T) {
		state := LadderState{CurrentBadgeID: ID("gold").Ptr(), HighestEarnedBadgeID: ID("gold").Ptr(), Status: StatusActive, MaintenancePoints: 500}
		promo, err := CheckReinstatement(state, c, all, 9000)
		require.NoError(t, err)
		assert.Nil(t, promo)
	})

	t.Run("not enough maintenance points", func(t *testing.T) {
		state := AccrueMaintenance(demotedFromGold(), 99)
		promo, err := CheckReinstatement(state, c, all, 9000)
		require.NoError(t, err)
		assert.Nil(t, promo)
	})

	t.Run("tier without maintenance uses lifetime", func(t *testing.T) {
		state := LadderState{
			CurrentBadgeID:       ID("bronze").Ptr(),
			HighestEarnedBadgeID: ID("gold").Ptr(),
			Status:               StatusDemoted,
		}
		promo, err := CheckReinstatement(state, c, all, 3000)
		require.NoError(t, err)
		require.NotNil(t, promo)
		assert.Equal(t, ID("silver"), promo.To)
		assert.False(t, promo.ResetMaintenance)
	})

	t.Run("demoted off the ladder", func(t *testing.T) {
		state := LadderState{HighestEarnedBadgeID: ID("bronze").Ptr(), Status: StatusDemoted, MaintenancePoints: 50}
		promo, err := CheckReinstatement(state, c, all, 800)
		require.NoError(t, err)
		require.NotNil(t, promo)
		assert.Nil(t, promo.From)
		assert.Equal(t, ID("bronze"), promo.To)
	})

	t.Run("never past the high-water mark", func(t *testing.T) {
		state := LadderState{
			CurrentBadgeID:       ID("bronze").Ptr(),
			HighestEarnedBadgeID: ID("bronze").Ptr(),
			Status:               StatusActive,
			MaintenancePoints:    1000,
		}
		promo, err := CheckReinstatement(state, c, all, 9000)
		require.NoError(t, err)
		assert.Nil(t, promo)
	})
}

func TestReconcileRank_UnknownPolicy(t *testing.T) {
	c := maintainedLadder(t)
	_, err := ReconcileRank(NewLadderState(), c, c.AllIDs(), 0, "lenient")
	assert.True(t, errors.Is(err, ErrUnknownPolicy))
}
