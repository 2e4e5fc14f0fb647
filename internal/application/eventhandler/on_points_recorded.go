package eventhandler

import (
	"log/slog"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// PointsMetrics receives point and streak activity.
type PointsMetrics interface {
	PointsRecorded(source string, points float64)
	StreakUpdated(streakKey string, count int, reset bool)
}

// ═══════════════════════════════════════════════════════════════════════════
// ON POINTS RECORDED HANDLER
// ═══════════════════════════════════════════════════════════════════════════

// OnPointsRecordedHandler counts credited points and streak changes.
type OnPointsRecordedHandler struct {
	metrics PointsMetrics
	logger  *slog.Logger
}

// NewOnPointsRecordedHandler creates a new handler. metrics may be nil.
func NewOnPointsRecordedHandler(metrics PointsMetrics, logger *slog.Logger) *OnPointsRecordedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnPointsRecordedHandler{
		metrics: metrics,
		logger:  logger.With("handler", "on_points_recorded"),
	}
}

// EventTypes lists the events the handler should be subscribed to.
func (h *OnPointsRecordedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{shared.EventPointsRecorded, shared.EventStreakUpdated}
}

// Handle implements shared.EventHandler.
func (h *OnPointsRecordedHandler) Handle(event shared.Event) error {
	switch ev := event.(type) {
	case shared.PointsRecordedEvent:
		source := ev.Source
		if source == "" {
			source = "unknown"
		}
		h.logger.Debug("points recorded",
			"participant_id", ev.AggregateID(),
			"points", ev.Points,
			"lifetime_total", ev.LifetimeTotal,
			"source", source,
		)
		if h.metrics != nil {
			h.metrics.PointsRecorded(source, ev.Points)
		}

	case shared.StreakUpdatedEvent:
		if ev.Reset {
			h.logger.Info("streak reset",
				"participant_id", ev.AggregateID(),
				"streak", ev.StreakKey,
				"best", ev.Best,
			)
		}
		if h.metrics != nil {
			h.metrics.StreakUpdated(ev.StreakKey, ev.Count, ev.Reset)
		}

	default:
		h.logger.Warn("unexpected event", "event_type", event.EventType())
	}
	return nil
}
