package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RUN ROLLOVER COMMAND
// The daily pass: steps every badge holder's maintenance machine and prunes
// old statistics buckets.
// ══════════════════════════════════════════════════════════════════════════════

// RunRolloverCommand runs the daily rollover.
type RunRolloverCommand struct {
	// Today is the local date being closed. Zero means the clock's date.
	Today timeutil.Date

	CorrelationID string
}

// RunRolloverResult summarises a rollover pass.
type RunRolloverResult struct {
	Day        timeutil.Date
	Processed  int
	Maintained int
	Graced     int
	Demoted    int
	Pruned     int
	Failed     int
	Duration   time.Duration
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RunRolloverHandlerConfig contains configuration for the handler.
type RunRolloverHandlerConfig struct {
	Zone *time.Location

	// Concurrency bounds how many participants are processed at once.
	Concurrency int

	// PageSize is how many participant IDs are listed per query.
	PageSize int

	// Prune enables statistics pruning with Retention. When off, only badge
	// holders are visited.
	Prune     bool
	Retention stats.Retention

	// Debounce is used to queue an evaluation after a demotion.
	Debounce participant.Debounce

	LockTTL time.Duration
}

// DefaultRunRolloverHandlerConfig returns default configuration.
func DefaultRunRolloverHandlerConfig() RunRolloverHandlerConfig {
	return RunRolloverHandlerConfig{
		Zone:        time.UTC,
		Concurrency: 8,
		PageSize:    500,
		Prune:       true,
		Retention:   stats.DefaultRetention(),
		Debounce:    participant.DefaultDebounce(),
		LockTTL:     defaultLockTTL,
	}
}

// RunRolloverHandler handles the RunRolloverCommand.
type RunRolloverHandler struct {
	store     participant.Store
	catalog   *badge.Catalog
	locker    participant.Locker
	cache     CacheInvalidator
	publisher shared.EventPublisher
	clock     timeutil.Clock
	logger    *slog.Logger
	config    RunRolloverHandlerConfig
}

// NewRunRolloverHandler creates a new RunRolloverHandler.
func NewRunRolloverHandler(
	store participant.Store,
	catalog *badge.Catalog,
	locker participant.Locker,
	cache CacheInvalidator,
	publisher shared.EventPublisher,
	clock timeutil.Clock,
	logger *slog.Logger,
	config RunRolloverHandlerConfig,
) *RunRolloverHandler {
	if config.Zone == nil {
		config.Zone = time.UTC
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PageSize <= 0 {
		config.PageSize = 500
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

	return &RunRolloverHandler{
		store:     store,
		catalog:   catalog,
		locker:    locker,
		cache:     cache,
		publisher: publisher,
		clock:     clock,
		logger:    logger.With(slog.String("handler", "run_rollover")),
		config:    config,
	}
}

// Handle executes the rollover. A failure on one participant is counted and
// logged; the pass carries on. Only cancellation or a listing failure aborts.
func (h *RunRolloverHandler) Handle(ctx context.Context, cmd RunRolloverCommand) (*RunRolloverResult, error) {
	if h.config.Prune {
		if err := h.config.Retention.Validate(); err != nil {
			return nil, fmt.Errorf("run_rollover: validation failed: %w", err)
		}
	}

	start := h.clock.Now()
	today := cmd.Today
	if today.IsZero() {
		today = timeutil.DateOf(start, h.config.Zone)
	}

	result := &RunRolloverResult{Day: today}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.Concurrency)

	list := h.store.ListWithBadge
	if h.config.Prune {
		list = h.store.ListIDs
	}

	var after shared.ParticipantID
	var listErr error
	for {
		ids, err := list(gctx, after, h.config.PageSize)
		if err != nil {
			listErr = fmt.Errorf("list participants: %w", err)
			break
		}
		for _, id := range ids {
			id := id
			g.Go(func() error {
				outcome, err := h.processOne(gctx, id, today, cmd.CorrelationID)

				mu.Lock()
				defer mu.Unlock()
				result.Processed++
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					result.Failed++
					if outcome.pruned {
						result.Pruned++
					}
					h.logger.Error("rollover failed for participant",
						slog.String("participant_id", id.String()),
						slog.String("error", err.Error()),
					)
					return nil
				}
				switch outcome.maintenance {
				case badge.OutcomeMaintainSuccess:
					result.Maintained++
				case badge.OutcomeEnterGrace:
					result.Graced++
				case badge.OutcomeDemote:
					result.Demoted++
				}
				if outcome.pruned {
					result.Pruned++
				}
				return nil
			})
		}
		if len(ids) < h.config.PageSize || gctx.Err() != nil {
			break
		}
		after = ids[len(ids)-1]
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("run_rollover: %w", err)
	}
	if listErr != nil {
		return nil, fmt.Errorf("run_rollover: %w", listErr)
	}

	result.Duration = h.clock.Now().Sub(start)

	completed := shared.RolloverCompletedEvent{
		BaseEvent:  shared.NewBaseEvent(shared.EventRolloverCompleted, "system", h.clock.Now()),
		Day:        today.String(),
		Processed:  result.Processed,
		Maintained: result.Maintained,
		Graced:     result.Graced,
		Demoted:    result.Demoted,
		Failed:     result.Failed,
	}
	if cmd.CorrelationID != "" {
		completed.BaseEvent = completed.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	}
	publishAll(h.publisher, h.logger, []shared.Event{completed})

	h.logger.Info("rollover completed",
		slog.String("day", today.String()),
		slog.Int("processed", result.Processed),
		slog.Int("maintained", result.Maintained),
		slog.Int("graced", result.Graced),
		slog.Int("demoted", result.Demoted),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

type rolloverOutcome struct {
	maintenance badge.Outcome
	pruned      bool
}

// processOne runs maintenance and pruning for one participant in a single
// transaction under the participant lock. A maintenance failure does not stop
// pruning: whatever succeeded is saved and the failure is returned after the
// commit.
func (h *RunRolloverHandler) processOne(ctx context.Context, id shared.ParticipantID, today timeutil.Date, correlationID string) (rolloverOutcome, error) {
	var outcome rolloverOutcome

	unlock, err := h.locker.Lock(ctx, id, h.config.LockTTL)
	if err != nil {
		return outcome, fmt.Errorf("lock participant: %w", err)
	}
	defer unlock()

	now := h.clock.Now()
	var events []shared.Event
	var maintErr error

	err = h.store.WithinTx(ctx, func(tx participant.Store) error {
		outcome = rolloverOutcome{}
		events = nil
		maintErr = nil

		p, err := tx.Get(ctx, id)
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load participant: %w", err)
		}
		dirty := false

		if p.Ladder.CurrentBadgeID != nil {
			ev, outcomeType, changed, err := h.maintain(p, today, now)
			switch {
			case err != nil:
				maintErr = err
			case changed:
				dirty = true
				if ev != nil {
					events = append(events, ev)
					outcome.maintenance = outcomeType
				}
			}
			if outcomeType == badge.OutcomeDemote {
				if err := tx.Enqueue(ctx, id, now, h.config.Debounce); err != nil {
					return fmt.Errorf("enqueue evaluation: %w", err)
				}
			}
		}

		if h.config.Prune {
			removed, err := p.Prune(h.config.Retention, today.Midnight(h.config.Zone), h.config.Zone)
			if err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
			if len(removed) > 0 {
				events = append(events, shared.NewStatsPrunedEvent(id.String(), removed, now))
				outcome.pruned = true
				dirty = true
			}
		}

		if !dirty {
			return nil
		}
		if err := tx.Save(ctx, p); err != nil {
			return fmt.Errorf("save participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return rolloverOutcome{}, err
	}

	if len(events) > 0 {
		invalidate(ctx, h.cache, h.logger, id)
		publishAll(h.publisher, h.logger, withCorrelation(events, correlationID))
	}
	return outcome, maintErr
}

// maintain steps the maintenance machine once and returns the matching event,
// or nil when nothing was due. changed reports whether the ladder state was
// modified, which also covers opening a window that was missing.
func (h *RunRolloverHandler) maintain(p *participant.Participant, today timeutil.Date, now time.Time) (_ shared.Event, _ badge.Outcome, changed bool, _ error) {
	current, err := h.catalog.Lookup(*p.Ladder.CurrentBadgeID)
	if err != nil {
		return nil, "", false, fmt.Errorf("current badge: %w", err)
	}

	if opened, ok := badge.OpenMaintenanceWindow(p.Ladder, current, today); ok {
		p.SetLadder(opened)
		h.logger.Info("maintenance window opened",
			slog.String("participant_id", p.ID.String()),
			slog.String("badge_id", current.ID.String()),
			slog.String("period_end", opened.PeriodEnd.String()),
		)
		return nil, "", true, nil
	}

	res, err := badge.ProcessMaintenanceInterval(p.Ladder, current, today)
	if err != nil {
		return nil, "", false, fmt.Errorf("process maintenance: %w", err)
	}
	if res == nil {
		return nil, "", false, nil
	}

	next, err := badge.ApplyMaintenance(p.Ladder, res, h.catalog, h.catalog.AssignedTo(p.ID), today)
	if err != nil {
		return nil, "", false, fmt.Errorf("apply maintenance: %w", err)
	}
	p.SetLadder(next)

	var ev shared.BadgeMaintenanceEvent
	switch res.Outcome {
	case badge.OutcomeMaintainSuccess:
		ev = shared.NewBadgeMaintenanceEvent(shared.EventBadgeMaintained, p.ID.String(), res.BadgeID.String(), res.Points, res.Requirement, now)
		ev.PeriodEnd = res.PeriodEnd.String()
	case badge.OutcomeEnterGrace:
		ev = shared.NewBadgeMaintenanceEvent(shared.EventBadgeGraceEntered, p.ID.String(), res.BadgeID.String(), res.Points, res.Requirement, now)
		ev.GraceEnd = res.GraceEnd.String()
	case badge.OutcomeDemote:
		ev = shared.NewBadgeMaintenanceEvent(shared.EventBadgeDemoted, p.ID.String(), res.BadgeID.String(), res.Points, res.Requirement, now)
		if next.CurrentBadgeID != nil {
			ev.NewBadgeID = next.CurrentBadgeID.String()
		}
	}
	return ev, res.Outcome, true, nil
}
