// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LADDER QUERY
// Where a participant stands on their badge ladder and what the next step is.
// ══════════════════════════════════════════════════════════════════════════════

// GetLadderQuery contains the query parameters.
type GetLadderQuery struct {
	ParticipantID string

	// SkipCache forces a read from the store.
	SkipCache bool
}

// Validate validates the query.
func (q *GetLadderQuery) Validate() error {
	id, err := shared.NewParticipantID(q.ParticipantID)
	if err != nil {
		return err
	}
	q.ParticipantID = id.String()
	return nil
}

// BadgeDTO is a badge as shown to clients.
type BadgeDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Rank        int      `json:"rank"`
	Threshold   float64  `json:"threshold"`
	Multiplier  float64  `json:"multiplier"`
	Requirement *float64 `json:"maintenance_requirement,omitempty"`
	WindowDays  *int     `json:"window_length,omitempty"`
	GraceDays   *int     `json:"grace_length,omitempty"`
}

// LadderView is the cached read model of a participant's ladder.
type LadderView struct {
	// ─────────────────────────────────────────────────────────────────────────
	// Identity
	// ─────────────────────────────────────────────────────────────────────────

	ParticipantID string `json:"participant_id"`

	// ─────────────────────────────────────────────────────────────────────────
	// Position
	// ─────────────────────────────────────────────────────────────────────────

	LifetimePoints float64   `json:"lifetime_points"`
	Current        *BadgeDTO `json:"current"`
	HighestEarned  *BadgeDTO `json:"highest_earned"`
	NextHigher     *BadgeDTO `json:"next_higher"`
	NextLower      *BadgeDTO `json:"next_lower"`

	// PointsToNext is nil at the top of the ladder.
	PointsToNext       *float64 `json:"points_to_next"`
	PointsAboveCurrent float64  `json:"points_above_current"`

	// ─────────────────────────────────────────────────────────────────────────
	// Maintenance
	// ─────────────────────────────────────────────────────────────────────────

	Status            badge.Status   `json:"status"`
	MaintenancePoints float64        `json:"maintenance_points"`
	PeriodEnd         *timeutil.Date `json:"period_end"`
	GraceEnd          *timeutil.Date `json:"grace_end"`

	// DaysLeft counts down to grace_end in grace and to period_end otherwise.
	DaysLeft *int `json:"days_left,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// LadderCache stores ladder views. Get returns nil, nil on a miss.
//
// Generation changes on every invalidation. Set drops a view whose
// generation is no longer current, so a read that raced a write cannot cache
// the state it loaded before that write.
type LadderCache interface {
	Get(ctx context.Context, id shared.ParticipantID) (*LadderView, error)
	Generation(ctx context.Context, id shared.ParticipantID) (int64, error)
	Set(ctx context.Context, view *LadderView, generation int64) error
}

// GetLadderResult contains the query result.
type GetLadderResult struct {
	Ladder    *LadderView `json:"ladder"`
	FromCache bool        `json:"from_cache"`
}

// GetLadderHandler handles GetLadderQuery.
type GetLadderHandler struct {
	repo    participant.Repository
	catalog *badge.Catalog
	cache   LadderCache
	clock   timeutil.Clock
	zone    *time.Location
	logger  *slog.Logger
}

// NewGetLadderHandler creates a new handler. cache may be nil.
func NewGetLadderHandler(
	repo participant.Repository,
	catalog *badge.Catalog,
	cache LadderCache,
	clock timeutil.Clock,
	zone *time.Location,
	logger *slog.Logger,
) *GetLadderHandler {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if zone == nil {
		zone = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GetLadderHandler{
		repo:    repo,
		catalog: catalog,
		cache:   cache,
		clock:   clock,
		zone:    zone,
		logger:  logger.With(slog.String("handler", "get_ladder")),
	}
}

// Handle executes the query. An unknown participant gets the view of an
// empty ladder rather than an error.
func (h *GetLadderHandler) Handle(ctx context.Context, q GetLadderQuery) (*GetLadderResult, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("get_ladder: validation failed: %w", err)
	}
	id := shared.ParticipantID(strings.TrimSpace(q.ParticipantID))

	if h.cache != nil && !q.SkipCache {
		view, err := h.cache.Get(ctx, id)
		if err != nil {
			h.logger.Warn("ladder cache read failed",
				slog.String("participant_id", id.String()),
				slog.String("error", err.Error()),
			)
		} else if view != nil {
			view.refreshCountdown(h.clock.Now(), h.zone)
			return &GetLadderResult{Ladder: view, FromCache: true}, nil
		}
	}

	// The generation is read before loading so a write that lands in between
	// makes the write-back a no-op.
	var generation int64
	cacheable := false
	if h.cache != nil {
		gen, err := h.cache.Generation(ctx, id)
		if err != nil {
			h.logger.Warn("ladder cache generation read failed",
				slog.String("participant_id", id.String()),
				slog.String("error", err.Error()),
			)
		} else {
			generation, cacheable = gen, true
		}
	}

	p, err := h.repo.Get(ctx, id)
	if shared.IsNotFound(err) {
		p = participant.New(id, h.clock.Now())
	} else if err != nil {
		return nil, fmt.Errorf("get_ladder: load participant: %w", err)
	}

	view, err := BuildLadderView(p, h.catalog, h.clock.Now(), h.zone)
	if err != nil {
		return nil, fmt.Errorf("get_ladder: build view: %w", err)
	}

	if cacheable {
		if err := h.cache.Set(ctx, view, generation); err != nil {
			h.logger.Warn("ladder cache write failed",
				slog.String("participant_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return &GetLadderResult{Ladder: view}, nil
}

// BuildLadderView projects a participant onto the catalog.
func BuildLadderView(p *participant.Participant, catalog *badge.Catalog, now time.Time, zone *time.Location) (*LadderView, error) {
	lifetime := p.LifetimeTotal()
	ctx, err := badge.GetLadderContext(p.Ladder.CurrentBadgeID, catalog, catalog.AssignedTo(p.ID), lifetime)
	if err != nil {
		return nil, err
	}

	view := &LadderView{
		ParticipantID:      p.ID.String(),
		LifetimePoints:     lifetime,
		Current:            toBadgeDTO(ctx.Current),
		NextHigher:         toBadgeDTO(ctx.NextHigher),
		NextLower:          toBadgeDTO(ctx.NextLower),
		PointsToNext:       ctx.PointsToNext,
		PointsAboveCurrent: ctx.PointsAboveCurrent,
		Status:             p.Ladder.Status,
		MaintenancePoints:  p.Ladder.MaintenancePoints,
		PeriodEnd:          p.Ladder.PeriodEnd,
		GraceEnd:           p.Ladder.GraceEnd,
		GeneratedAt:        now,
	}
	if p.Ladder.HighestEarnedBadgeID != nil {
		if b, ok := catalog.Get(*p.Ladder.HighestEarnedBadgeID); ok {
			view.HighestEarned = toBadgeDTO(&b)
		}
	}

	view.refreshCountdown(now, zone)
	return view, nil
}

// refreshCountdown recomputes DaysLeft for the local day of now: to grace_end
// in grace and to period_end otherwise.
func (v *LadderView) refreshCountdown(now time.Time, zone *time.Location) {
	v.DaysLeft = nil
	deadline := v.PeriodEnd
	if v.Status == badge.StatusGrace {
		deadline = v.GraceEnd
	}
	if deadline == nil {
		return
	}
	days := timeutil.DateOf(now, zone).DaysUntil(*deadline)
	v.DaysLeft = &days
}

func toBadgeDTO(b *badge.Badge) *BadgeDTO {
	if b == nil {
		return nil
	}
	return &BadgeDTO{
		ID:          b.ID.String(),
		Name:        b.Name,
		Rank:        b.Rank,
		Threshold:   b.Threshold,
		Multiplier:  b.EffectiveMultiplier(),
		Requirement: b.MaintenanceRequirement,
		WindowDays:  b.WindowLength,
		GraceDays:   b.GraceLength,
	}
}
