package stats

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestDerivePeriodKeys(t *testing.T) {
	tests := []struct {
		name    string
		instant time.Time
		zone    *time.Location
		want    PeriodKeys
	}{
		{
			name:    "mid january",
			instant: time.Date(2026, 1, 20, 15, 0, 0, 0, time.UTC),
			want:    PeriodKeys{Daily: "2026-01-20", Weekly: "2026-W04", Monthly: "2026-01", Yearly: "2026"},
		},
		{
			name:    "late december keys into next iso year",
			instant: time.Date(2024, 12, 30, 9, 0, 0, 0, time.UTC),
			want:    PeriodKeys{Daily: "2024-12-30", Weekly: "2025-W01", Monthly: "2024-12", Yearly: "2024"},
		},
		{
			name:    "new year's day keys into previous iso year",
			instant: time.Date(2021, 1, 1, 9, 0, 0, 0, time.UTC),
			want:    PeriodKeys{Daily: "2021-01-01", Weekly: "2020-W53", Monthly: "2021-01", Yearly: "2021"},
		},
		{
			name:    "instant normalised to caller zone",
			instant: time.Date(2025, 12, 31, 20, 0, 0, 0, time.UTC),
			zone:    mustZone(t, "Asia/Almaty"),
			want:    PeriodKeys{Daily: "2026-01-01", Weekly: "2026-W01", Monthly: "2026-01", Yearly: "2026"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivePeriodKeys(tt.instant, tt.zone))
		})
	}
}

func TestRecordTransaction_WritesAllGranularities(t *testing.T) {
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	tree, err := RecordTransaction(nil, Metrics{MetricEarned: 25, MetricChoresApproved: 1}, instant, time.UTC, true)
	require.NoError(t, err)

	assert.Equal(t, 25.0, tree.Value(Daily, "2026-01-20", MetricEarned))
	assert.Equal(t, 25.0, tree.Value(Weekly, "2026-W04", MetricEarned))
	assert.Equal(t, 25.0, tree.Value(Monthly, "2026-01", MetricEarned))
	assert.Equal(t, 25.0, tree.Value(Yearly, "2026", MetricEarned))
	assert.Equal(t, 25.0, tree.LifetimeTotal())
	assert.Equal(t, 1.0, tree.Value(AllTime, AllTimeKey, MetricChoresApproved))
}

func TestRecordTransaction_SkipsAllTimeWhenAsked(t *testing.T) {
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	tree, err := RecordTransaction(NewTree(), Metrics{MetricEarned: 5}, instant, time.UTC, false)
	require.NoError(t, err)

	assert.Equal(t, 5.0, tree.Value(Daily, "2026-01-20", MetricEarned))
	assert.Zero(t, tree.LifetimeTotal())
	assert.Empty(t, tree[AllTime])
}

func TestRecordTransaction_LifetimeEqualsSumOfIncrements(t *testing.T) {
	start := time.Date(2025, 12, 20, 8, 0, 0, 0, time.UTC)
	increments := []float64{10, 0, 3.5, 120, 7, 42, 1}

	tree := NewTree()
	var sum float64
	for i, inc := range increments {
		var err error
		tree, err = RecordTransaction(tree, Metrics{MetricEarned: inc}, start.AddDate(0, 0, i*3), time.UTC, true)
		require.NoError(t, err)
		sum += inc
		assert.Equal(t, sum, tree.LifetimeTotal())
	}

	var yearly float64
	for _, m := range tree[Yearly] {
		yearly += m[MetricEarned]
	}
	assert.Equal(t, sum, yearly)
}

func TestRecordTransaction_IsAtomicOnFailure(t *testing.T) {
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	tree, err := RecordTransaction(nil, Metrics{MetricEarned: 10}, instant, time.UTC, true)
	require.NoError(t, err)
	before := tree.Clone()

	next, err := RecordTransaction(tree, Metrics{MetricEarned: 5, "bonus": math.NaN()}, instant, time.UTC, true)
	require.Error(t, err)
	assert.Nil(t, next)
	assert.True(t, errors.Is(err, ErrInvalidIncrement))
	assert.Equal(t, before, tree, "input must not change on failure")
}

func TestRecordTransaction_DoesNotMutateInput(t *testing.T) {
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	tree, err := RecordTransaction(nil, Metrics{MetricEarned: 10}, instant, time.UTC, true)
	require.NoError(t, err)
	before := tree.Clone()

	_, err = RecordTransaction(tree, Metrics{MetricEarned: 7}, instant, time.UTC, true)
	require.NoError(t, err)
	assert.Equal(t, before, tree)
}

func TestRecordTransaction_NegativeIncrementsAreNotClamped(t *testing.T) {
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	tree, err := RecordTransaction(nil, Metrics{MetricChoresApproved: -2}, instant, time.UTC, true)
	require.NoError(t, err)
	assert.Equal(t, -2.0, tree.Value(Daily, "2026-01-20", MetricChoresApproved))
}

func TestRecordTransaction_RejectsMalformedTree(t *testing.T) {
	instant := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)
	bad := Tree{"hourly": Buckets{}}

	_, err := RecordTransaction(bad, Metrics{MetricEarned: 1}, instant, time.UTC, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedTree))
	assert.True(t, shared.IsValidation(err))
}

func TestTreeValidate(t *testing.T) {
	tests := []struct {
		name    string
		tree    Tree
		wantErr bool
	}{
		{name: "empty", tree: NewTree()},
		{name: "good keys", tree: Tree{
			Daily:   Buckets{"2026-01-20": Metrics{MetricEarned: 1}},
			Weekly:  Buckets{"2026-W04": Metrics{}},
			Monthly: Buckets{"2026-01": Metrics{}},
			Yearly:  Buckets{"2026": Metrics{}},
			AllTime: Buckets{AllTimeKey: Metrics{}},
		}},
		{name: "bad daily key", tree: Tree{Daily: Buckets{"2026-13-40": Metrics{}}}, wantErr: true},
		{name: "week out of range", tree: Tree{Weekly: Buckets{"2026-W54": Metrics{}}}, wantErr: true},
		{name: "all_time wrong key", tree: Tree{AllTime: Buckets{"2026": Metrics{}}}, wantErr: true},
		{name: "unknown granularity", tree: Tree{"hourly": Buckets{}}, wantErr: true},
		{name: "non-finite value", tree: Tree{Yearly: Buckets{"2026": Metrics{MetricEarned: math.Inf(1)}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrMalformedTree), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestTreeUnmarshalJSON(t *testing.T) {
	var tree Tree
	err := json.Unmarshal([]byte(`{"daily":{"2026-01-20":{"earned":12}},"all_time":{"all_time":{"earned":40}}}`), &tree)
	require.NoError(t, err)
	assert.Equal(t, 40.0, tree.LifetimeTotal())
	assert.Equal(t, 12.0, tree.Value(Daily, "2026-01-20", MetricEarned))

	err = json.Unmarshal([]byte(`{"fortnightly":{}}`), &tree)
	assert.True(t, errors.Is(err, ErrMalformedTree))

	err = json.Unmarshal([]byte(`{"daily":{"2026-01-20":{"earned":"lots"}}}`), &tree)
	assert.True(t, errors.Is(err, ErrMalformedTree))
}

func TestTreeSeries(t *testing.T) {
	tree := Tree{Daily: Buckets{
		"2026-01-21": Metrics{MetricEarned: 3},
		"2026-01-19": Metrics{MetricEarned: 1},
		"2026-01-20": Metrics{},
	}}

	series, err := tree.Series(Daily, MetricEarned)
	require.NoError(t, err)
	assert.Equal(t, []Point{
		{Key: "2026-01-19", Value: 1},
		{Key: "2026-01-20", Value: 0},
		{Key: "2026-01-21", Value: 3},
	}, series)

	_, err = tree.Series("hourly", MetricEarned)
	assert.True(t, errors.Is(err, ErrUnknownGranularity))
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity(" Weekly ")
	require.NoError(t, err)
	assert.Equal(t, Weekly, g)

	_, err = ParseGranularity("hourly")
	assert.True(t, errors.Is(err, ErrUnknownGranularity))
}
