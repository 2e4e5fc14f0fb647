package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATE LADDER COMMAND
// Re-ranks one participant against the badge catalog and applies a promotion
// or reinstatement if one is due.
// ══════════════════════════════════════════════════════════════════════════════

// EvaluateLadderCommand asks for one participant's ladder to be re-evaluated.
type EvaluateLadderCommand struct {
	ParticipantID string

	// Today overrides the local date used for the new maintenance window.
	// Zero means the clock's date in the configured zone.
	Today timeutil.Date

	CorrelationID string
}

// Validate validates the command.
func (c EvaluateLadderCommand) Validate() error {
	_, err := shared.NewParticipantID(c.ParticipantID)
	return err
}

// EvaluateLadderResult contains the result of an evaluation.
type EvaluateLadderResult struct {
	ParticipantID string

	// Found is false when the participant has no record yet.
	Found bool

	// Rank is the badge lifetime points qualify for.
	Rank *badge.ID

	Promoted   bool
	Reinstated bool
	// Suppressed is set when the strict policy withheld a lifetime promotion.
	Suppressed bool

	Ladder      badge.LadderState
	Events      []shared.Event
	EvaluatedAt time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// EvaluateLadderHandlerConfig contains configuration for the handler.
type EvaluateLadderHandlerConfig struct {
	Zone    *time.Location
	Policy  badge.Policy
	LockTTL time.Duration
}

// DefaultEvaluateLadderHandlerConfig returns default configuration.
func DefaultEvaluateLadderHandlerConfig() EvaluateLadderHandlerConfig {
	return EvaluateLadderHandlerConfig{
		Zone:    time.UTC,
		Policy:  badge.PolicyStrict,
		LockTTL: defaultLockTTL,
	}
}

// EvaluateLadderHandler handles the EvaluateLadderCommand.
type EvaluateLadderHandler struct {
	store     participant.Store
	catalog   *badge.Catalog
	locker    participant.Locker
	cache     CacheInvalidator
	publisher shared.EventPublisher
	clock     timeutil.Clock
	logger    *slog.Logger
	config    EvaluateLadderHandlerConfig
}

// NewEvaluateLadderHandler creates a new EvaluateLadderHandler.
func NewEvaluateLadderHandler(
	store participant.Store,
	catalog *badge.Catalog,
	locker participant.Locker,
	cache CacheInvalidator,
	publisher shared.EventPublisher,
	clock timeutil.Clock,
	logger *slog.Logger,
	config EvaluateLadderHandlerConfig,
) *EvaluateLadderHandler {
	if config.Zone == nil {
		config.Zone = time.UTC
	}
	if config.Policy == "" {
		config.Policy = badge.PolicyStrict
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

	return &EvaluateLadderHandler{
		store:     store,
		catalog:   catalog,
		locker:    locker,
		cache:     cache,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With(slog.String("handler", "evaluate_ladder")),
		config:    config,
	}
}

// Handle executes the evaluation. The participant's pending evaluation row is
// completed in the same transaction, so a successful call leaves nothing
// queued for them.
func (h *EvaluateLadderHandler) Handle(ctx context.Context, cmd EvaluateLadderCommand) (*EvaluateLadderResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("evaluate_ladder: validation failed: %w", err)
	}

	id := shared.ParticipantID(strings.TrimSpace(cmd.ParticipantID))
	now := h.clock.Now()
	today := cmd.Today
	if today.IsZero() {
		today = timeutil.DateOf(now, h.config.Zone)
	}

	unlock, err := h.locker.Lock(ctx, id, h.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("evaluate_ladder: lock participant: %w", err)
	}
	defer unlock()

	result := &EvaluateLadderResult{
		ParticipantID: id.String(),
		EvaluatedAt:   now,
	}

	err = h.store.WithinTx(ctx, func(tx participant.Store) error {
		p, err := tx.Get(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			return tx.Complete(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		result.Found = true

		assigned := h.catalog.AssignedTo(id)
		decision, err := badge.ReconcileRank(p.Ladder, h.catalog, assigned, p.LifetimeTotal(), h.config.Policy)
		if err != nil {
			return fmt.Errorf("reconcile rank: %w", err)
		}
		result.Rank = decision.Rank
		result.Suppressed = decision.Suppressed

		if promo := decision.Promotion; promo != nil {
			next, err := badge.ApplyPromotion(p.Ladder, promo, h.catalog, today)
			if err != nil {
				return fmt.Errorf("apply promotion: %w", err)
			}
			p.SetLadder(next)
			if err := p.RecordMetrics(stats.Metrics{stats.MetricBadgesAwarded: 1}, now, h.config.Zone); err != nil {
				return fmt.Errorf("record badge award: %w", err)
			}
			if err := tx.Save(ctx, p); err != nil {
				return fmt.Errorf("save participant: %w", err)
			}

			from := ""
			if promo.From != nil {
				from = promo.From.String()
			}
			result.Promoted = true
			result.Reinstated = promo.Reinstatement
			result.Events = append(result.Events, shared.NewBadgePromotedEvent(
				id.String(), from, promo.To.String(), p.LifetimeTotal(), promo.Reinstatement, now,
			))
		}
		result.Ladder = p.Ladder

		if err := tx.Complete(ctx, id); err != nil {
			return fmt.Errorf("complete pending evaluation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate_ladder: %w", err)
	}

	if !result.Promoted {
		if result.Suppressed {
			h.logger.Debug("promotion withheld below high-water mark",
				slog.String("participant_id", id.String()),
			)
		}
		return result, nil
	}

	result.Events = withCorrelation(result.Events, cmd.CorrelationID)
	invalidate(ctx, h.cache, h.logger, id)
	publishAll(h.publisher, h.logger, result.Events)

	h.logger.Info("participant promoted",
		slog.String("participant_id", id.String()),
		slog.String("badge_id", result.Ladder.CurrentBadgeID.String()),
		slog.Bool("reinstated", result.Reinstated),
	)
	return result, nil
}
