// Package eventhandler contains domain event handlers. They react to what the
// commands already committed: they count, log and forward, and never change
// participant state.
package eventhandler

import (
	"context"
	"log/slog"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// LadderMetrics receives ladder movements. The Prometheus collectors in
// infrastructure/metrics implement it.
type LadderMetrics interface {
	Promotion(badgeID string, reinstated bool)
	Maintenance(eventType shared.EventType, badgeID string)
	Rollover(processed, failed int)
}

// ═══════════════════════════════════════════════════════════════════════════
// ON LADDER CHANGED HANDLER
// Audits promotions, maintenance outcomes and rollover summaries.
// ═══════════════════════════════════════════════════════════════════════════

// OnLadderChangedHandler records every ladder movement.
type OnLadderChangedHandler struct {
	metrics LadderMetrics
	logger  *slog.Logger
}

// NewOnLadderChangedHandler creates a new handler. metrics may be nil.
func NewOnLadderChangedHandler(metrics LadderMetrics, logger *slog.Logger) *OnLadderChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnLadderChangedHandler{
		metrics: metrics,
		logger:  logger.With("handler", "on_ladder_changed"),
	}
}

// EventTypes lists the events the handler should be subscribed to.
func (h *OnLadderChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventBadgePromoted,
		shared.EventBadgeMaintained,
		shared.EventBadgeGraceEntered,
		shared.EventBadgeDemoted,
		shared.EventRolloverCompleted,
	}
}

// Handle implements shared.EventHandler.
func (h *OnLadderChangedHandler) Handle(event shared.Event) error {
	switch ev := event.(type) {
	case shared.BadgePromotedEvent:
		h.logger.Info("badge promoted",
			"participant_id", ev.AggregateID(),
			"from", ev.FromBadgeID,
			"to", ev.ToBadgeID,
			"lifetime_total", ev.LifetimeTotal,
			"reinstated", ev.Reinstated,
		)
		if h.metrics != nil {
			h.metrics.Promotion(ev.ToBadgeID, ev.Reinstated)
		}

	case shared.BadgeMaintenanceEvent:
		level := slog.LevelInfo
		if ev.IsDemotion() {
			level = slog.LevelWarn
		}
		h.logger.Log(context.Background(), level, "badge maintenance",
			"participant_id", ev.AggregateID(),
			"outcome", ev.EventType(),
			"badge_id", ev.BadgeID,
			"new_badge_id", ev.NewBadgeID,
			"maintenance_points", ev.MaintenancePoints,
			"requirement", ev.Requirement,
		)
		if h.metrics != nil {
			h.metrics.Maintenance(ev.EventType(), ev.BadgeID)
		}

	case shared.RolloverCompletedEvent:
		h.logger.Info("rollover summary",
			"day", ev.Day,
			"processed", ev.Processed,
			"maintained", ev.Maintained,
			"graced", ev.Graced,
			"demoted", ev.Demoted,
			"failed", ev.Failed,
		)
		if h.metrics != nil {
			h.metrics.Rollover(ev.Processed, ev.Failed)
		}

	default:
		h.logger.Warn("unexpected event", "event_type", event.EventType())
	}
	return nil
}
