// Package participant holds the participant aggregate: the persisted bundle of
// statistics, streaks and ladder state the orchestrator loads, runs through
// the stats and badge engines, and saves back.
package participant

import (
	"time"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
)

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATE
// ══════════════════════════════════════════════════════════════════════════════

// Participant is one child on the chore board.
type Participant struct {
	ID      shared.ParticipantID `json:"id"`
	Stats   stats.Tree           `json:"stats"`
	Streaks stats.Streaks        `json:"streaks"`
	Ladder  badge.LadderState    `json:"ladder"`

	// Version is bumped on every save for optimistic locking.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty participant with no points and no badge.
func New(id shared.ParticipantID, now time.Time) *Participant {
	return &Participant{
		ID:        id,
		Stats:     stats.NewTree(),
		Streaks:   stats.Streaks{},
		Ladder:    badge.NewLadderState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LifetimeTotal returns the monotonic lifetime points.
func (p *Participant) LifetimeTotal() float64 {
	return p.Stats.LifetimeTotal()
}

// Validate checks the persisted shapes.
func (p *Participant) Validate() error {
	if !p.ID.IsValid() {
		return shared.ErrInvalidParticipantID
	}
	if err := p.Stats.Validate(); err != nil {
		return err
	}
	return p.Ladder.Validate()
}

// ══════════════════════════════════════════════════════════════════════════════
// MUTATIONS
// Each one delegates to the pure engines and swaps in the returned value, so a
// failed step leaves the aggregate as it was.
// ══════════════════════════════════════════════════════════════════════════════

// RecordPoints folds points (plus any extra metrics) into every period bucket
// of at, including all_time.
func (p *Participant) RecordPoints(points shared.Points, extra stats.Metrics, at time.Time, zone *time.Location) error {
	increments := extra.Clone()
	increments[stats.MetricEarned] += points.Float64()

	next, err := stats.RecordTransaction(p.Stats, increments, at, zone, true)
	if err != nil {
		return err
	}
	p.Stats = next
	p.touch(at)
	return nil
}

// RecordMetrics adds non-point metrics, such as badges_awarded, to every
// bucket of at.
func (p *Participant) RecordMetrics(metrics stats.Metrics, at time.Time, zone *time.Location) error {
	next, err := stats.RecordTransaction(p.Stats, metrics, at, zone, true)
	if err != nil {
		return err
	}
	p.Stats = next
	p.touch(at)
	return nil
}

// AdvanceStreak updates streakKey for the local day of at. changed is false
// when the day was already counted or lies before the streak's last date;
// late events never rewind a streak.
func (p *Participant) AdvanceStreak(streakKey string, at time.Time, zone *time.Location) (streak stats.Streak, changed bool, err error) {
	day := stats.DerivePeriodKeys(at, zone).Daily
	before := p.Streaks[streakKey]
	if before.LastDate != "" && day < before.LastDate {
		return before, false, nil
	}

	next, streak, err := p.Streaks.Advance(streakKey, day)
	if err != nil {
		return stats.Streak{}, false, err
	}
	p.Streaks = next
	return streak, streak != before, nil
}

// AccrueMaintenance adds points toward the current maintenance window.
func (p *Participant) AccrueMaintenance(points shared.Points) {
	p.Ladder = badge.AccrueMaintenance(p.Ladder, points.Float64())
}

// Prune drops buckets outside retention and reports how many keys went per
// granularity.
func (p *Participant) Prune(retention stats.Retention, reference time.Time, zone *time.Location) (map[string]int, error) {
	next, err := stats.PruneHistory(p.Stats, retention, reference, zone)
	if err != nil {
		return nil, err
	}
	removed := make(map[string]int)
	for _, g := range stats.Periodic() {
		if n := len(p.Stats[g]) - len(next[g]); n > 0 {
			removed[g.String()] = n
		}
	}
	p.Stats = next
	return removed, nil
}

// SetLadder replaces the ladder state.
func (p *Participant) SetLadder(state badge.LadderState) {
	p.Ladder = state
}

func (p *Participant) touch(at time.Time) {
	if at.After(p.UpdatedAt) {
		p.UpdatedAt = at
	}
}
