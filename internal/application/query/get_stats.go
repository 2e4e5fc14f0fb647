package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STATS QUERY
// One metric of a participant over time, plus lifetime total and streaks.
// ══════════════════════════════════════════════════════════════════════════════

const (
	defaultStatsLimit = 30
	maxStatsLimit     = 366
)

// GetStatsQuery contains the query parameters.
type GetStatsQuery struct {
	ParticipantID string

	// Granularity defaults to daily.
	Granularity string

	// Metric defaults to earned.
	Metric string

	// Limit keeps only the most recent periods (default 30, max 366).
	Limit int
}

// Validate validates the query and fills in defaults.
func (q *GetStatsQuery) Validate() error {
	id, err := shared.NewParticipantID(q.ParticipantID)
	if err != nil {
		return err
	}
	q.ParticipantID = id.String()

	if q.Granularity == "" {
		q.Granularity = stats.Daily.String()
	}
	if _, err := stats.ParseGranularity(q.Granularity); err != nil {
		return err
	}
	q.Metric = strings.TrimSpace(q.Metric)
	if q.Metric == "" {
		q.Metric = stats.MetricEarned
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: limit cannot be negative", shared.ErrInvalidInput)
	}
	if q.Limit == 0 {
		q.Limit = defaultStatsLimit
	}
	if q.Limit > maxStatsLimit {
		q.Limit = maxStatsLimit
	}
	return nil
}

// GetStatsResult contains the query result.
type GetStatsResult struct {
	ParticipantID string        `json:"participant_id"`
	Granularity   string        `json:"granularity"`
	Metric        string        `json:"metric"`
	Series        []stats.Point `json:"series"`
	LifetimeTotal float64       `json:"lifetime_total"`
	Streaks       stats.Streaks `json:"streaks"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// GetStatsHandler handles GetStatsQuery.
type GetStatsHandler struct {
	repo participant.Repository
}

// NewGetStatsHandler creates a new handler.
func NewGetStatsHandler(repo participant.Repository) *GetStatsHandler {
	return &GetStatsHandler{repo: repo}
}

// Handle executes the query. Unknown participants have empty statistics.
func (h *GetStatsHandler) Handle(ctx context.Context, q GetStatsQuery) (*GetStatsResult, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_stats: validation failed: %w", err)
	}
	id := shared.ParticipantID(q.ParticipantID)
	g := stats.Granularity(q.Granularity)

	p, err := h.repo.Get(ctx, id)
	if shared.IsNotFound(err) {
		p = participant.New(id, time.Now())
	} else if err != nil {
		return nil, fmt.Errorf("get_stats: load participant: %w", err)
	}

	series, err := p.Stats.Series(g, q.Metric)
	if err != nil {
		return nil, fmt.Errorf("get_stats: series: %w", err)
	}
	if len(series) > q.Limit {
		series = series[len(series)-q.Limit:]
	}

	streaks := p.Streaks
	if streaks == nil {
		streaks = stats.Streaks{}
	}

	return &GetStatsResult{
		ParticipantID: id.String(),
		Granularity:   g.String(),
		Metric:        q.Metric,
		Series:        series,
		LifetimeTotal: p.LifetimeTotal(),
		Streaks:       streaks,
		GeneratedAt:   time.Now(),
	}, nil
}
