package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD POINTS COMMAND
// Folds one point-earning event into a participant's statistics, streak and
// maintenance window, then queues a debounced ladder evaluation.
// ══════════════════════════════════════════════════════════════════════════════

// RecordPointsCommand contains one point event.
type RecordPointsCommand struct {
	// ParticipantID is the participant who earned the points.
	ParticipantID string

	// Points is the raw amount before any badge multiplier. Negative values
	// are corrections.
	Points float64

	// Metrics are extra counters to bump alongside earned, e.g. chores_approved.
	Metrics map[string]float64

	// OccurredAt is when the points were earned. Required when EventID is
	// empty, since the fingerprint needs a stable timestamp.
	OccurredAt time.Time

	// EventID makes the command idempotent. When empty a fingerprint of the
	// payload and OccurredAt is used instead.
	EventID string

	// Source describes the producer, e.g. "chore_approval" or "bonus".
	Source string

	// CorrelationID for tracing.
	CorrelationID string
}

// Validate validates the command.
func (c RecordPointsCommand) Validate() error {
	if _, err := shared.NewParticipantID(c.ParticipantID); err != nil {
		return err
	}
	if _, err := shared.NewPoints(c.Points); err != nil {
		return err
	}
	if c.EventID != "" {
		if _, err := shared.NewEventID(c.EventID); err != nil {
			return err
		}
	}
	for name, v := range c.Metrics {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty metric name", shared.ErrInvalidInput)
		}
		if name == stats.MetricEarned {
			return fmt.Errorf("%w: %s is derived from points", shared.ErrInvalidInput, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: metric %s is not finite", shared.ErrInvalidInput, name)
		}
	}
	if strings.TrimSpace(c.EventID) == "" && c.OccurredAt.IsZero() {
		return fmt.Errorf("%w: event_id or occurred_at is required", shared.ErrInvalidInput)
	}
	return nil
}

// RecordPointsResult contains the result of recording points.
type RecordPointsResult struct {
	ParticipantID string
	EventID       string

	// Duplicate is set when the event had been recorded before; nothing
	// else in the result is filled in then.
	Duplicate bool

	// Points actually credited, after the multiplier.
	Points        float64
	Multiplier    float64
	LifetimeTotal float64

	// Streak is the activity streak after this event, nil when streaks are off.
	Streak *stats.Streak

	Events     []shared.Event
	RecordedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordPointsHandlerConfig contains configuration for the handler.
type RecordPointsHandlerConfig struct {
	// Zone decides which local day, week, month and year an event belongs to.
	Zone *time.Location

	// ApplyMultiplier scales points by the current badge's multiplier.
	ApplyMultiplier bool

	// TrackStreaks advances the activity streak on positive events.
	TrackStreaks bool

	// Debounce controls when the queued evaluation becomes due.
	Debounce participant.Debounce

	// LockTTL bounds how long the participant lock is held.
	LockTTL time.Duration
}

// DefaultRecordPointsHandlerConfig returns default configuration.
func DefaultRecordPointsHandlerConfig() RecordPointsHandlerConfig {
	return RecordPointsHandlerConfig{
		Zone:            time.UTC,
		ApplyMultiplier: true,
		TrackStreaks:    true,
		Debounce:        participant.DefaultDebounce(),
		LockTTL:         defaultLockTTL,
	}
}

// RecordPointsHandler handles the RecordPointsCommand.
type RecordPointsHandler struct {
	store     participant.Store
	catalog   *badge.Catalog
	locker    participant.Locker
	cache     CacheInvalidator
	publisher shared.EventPublisher
	clock     timeutil.Clock
	logger    *slog.Logger
	config    RecordPointsHandlerConfig
}

// NewRecordPointsHandler creates a new RecordPointsHandler.
func NewRecordPointsHandler(
	store participant.Store,
	catalog *badge.Catalog,
	locker participant.Locker,
	cache CacheInvalidator,
	publisher shared.EventPublisher,
	clock timeutil.Clock,
	logger *slog.Logger,
	config RecordPointsHandlerConfig,
) *RecordPointsHandler {
	if config.Zone == nil {
		config.Zone = time.UTC
	}
	if config.LockTTL == 0 {
		config.LockTTL = defaultLockTTL
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RecordPointsHandler{
		store:     store,
		catalog:   catalog,
		locker:    locker,
		cache:     cache,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With(slog.String("handler", "record_points")),
		config:    config,
	}
}

// Handle executes the record points command.
func (h *RecordPointsHandler) Handle(ctx context.Context, cmd RecordPointsCommand) (*RecordPointsResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("record_points: validation failed: %w", err)
	}

	id := shared.ParticipantID(strings.TrimSpace(cmd.ParticipantID))
	now := h.clock.Now()
	// OccurredAt may only be zero when an EventID carries the identity.
	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	eventID := shared.EventID(strings.TrimSpace(cmd.EventID))
	if eventID == "" {
		eventID = Fingerprint(id, occurredAt, cmd.Points, cmd.Source, cmd.Metrics)
	}

	unlock, err := h.locker.Lock(ctx, id, h.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("record_points: lock participant: %w", err)
	}
	defer unlock()

	result := &RecordPointsResult{
		ParticipantID: id.String(),
		EventID:       eventID.String(),
		RecordedAt:    now,
	}

	err = h.store.WithinTx(ctx, func(tx participant.Store) error {
		fresh, err := tx.MarkProcessed(ctx, id, eventID, now)
		if err != nil {
			return fmt.Errorf("mark event: %w", err)
		}
		if !fresh {
			result.Duplicate = true
			return nil
		}

		p, err := tx.Get(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			p = participant.New(id, now)
		} else if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}

		multiplier := h.multiplier(p)
		points := shared.Points(cmd.Points).Scale(multiplier)

		if err := p.RecordPoints(points, stats.Metrics(cmd.Metrics), occurredAt, h.config.Zone); err != nil {
			return fmt.Errorf("record transaction: %w", err)
		}
		p.AccrueMaintenance(points)

		result.Events = append(result.Events, shared.NewPointsRecordedEvent(
			id.String(), eventID.String(), points.Float64(), multiplier, p.LifetimeTotal(), cmd.Source, now,
		))

		if h.config.TrackStreaks && points > 0 {
			prev := p.Streaks[stats.StreakActivity]
			streak, changed, err := p.AdvanceStreak(stats.StreakActivity, occurredAt, h.config.Zone)
			if err != nil {
				return fmt.Errorf("advance streak: %w", err)
			}
			result.Streak = &streak
			if changed {
				reset := prev.Count > 0 && streak.Count == 1
				result.Events = append(result.Events, shared.NewStreakUpdatedEvent(
					id.String(), stats.StreakActivity, streak.Count, streak.Best, reset, now,
				))
			}
		}

		if err := tx.Save(ctx, p); err != nil {
			return fmt.Errorf("save participant: %w", err)
		}
		if err := tx.Enqueue(ctx, id, now, h.config.Debounce); err != nil {
			return fmt.Errorf("enqueue evaluation: %w", err)
		}

		result.Points = points.Float64()
		result.Multiplier = multiplier
		result.LifetimeTotal = p.LifetimeTotal()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record_points: %w", err)
	}

	if result.Duplicate {
		h.logger.Debug("duplicate point event ignored",
			slog.String("participant_id", id.String()),
			slog.String("event_id", eventID.String()),
		)
		return result, nil
	}

	result.Events = withCorrelation(result.Events, cmd.CorrelationID)
	invalidate(ctx, h.cache, h.logger, id)
	publishAll(h.publisher, h.logger, result.Events)

	h.logger.Info("points recorded",
		slog.String("participant_id", id.String()),
		slog.String("event_id", eventID.String()),
		slog.Float64("points", result.Points),
		slog.Float64("lifetime_total", result.LifetimeTotal),
	)
	return result, nil
}

// multiplier returns the current badge's multiplier, or 1.
func (h *RecordPointsHandler) multiplier(p *participant.Participant) float64 {
	if !h.config.ApplyMultiplier || p.Ladder.CurrentBadgeID == nil {
		return 1
	}
	b, ok := h.catalog.Get(*p.Ladder.CurrentBadgeID)
	if !ok {
		return 1
	}
	return b.EffectiveMultiplier()
}
