// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// CacheInvalidator drops cached read models of a participant after a write.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, id shared.ParticipantID) error
}

// defaultLockTTL bounds how long a crashed holder can block a participant.
const defaultLockTTL = 30 * time.Second

// publishAll sends events after the transaction that produced them has
// committed. Publishing is best effort: the state is already durable.
func publishAll(publisher shared.EventPublisher, logger *slog.Logger, events []shared.Event) {
	if publisher == nil {
		return
	}
	for _, event := range events {
		if err := publisher.Publish(event); err != nil {
			logger.Warn("failed to publish event",
				slog.String("event_type", string(event.EventType())),
				slog.String("participant_id", event.AggregateID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// invalidate drops the participant's cached views, logging failures.
func invalidate(ctx context.Context, cache CacheInvalidator, logger *slog.Logger, id shared.ParticipantID) {
	if cache == nil {
		return
	}
	if err := cache.Invalidate(ctx, id); err != nil {
		logger.Warn("failed to invalidate ladder cache",
			slog.String("participant_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func withCorrelation(events []shared.Event, correlationID string) []shared.Event {
	if correlationID == "" {
		return events
	}
	out := make([]shared.Event, 0, len(events))
	for _, e := range events {
		switch ev := e.(type) {
		case shared.PointsRecordedEvent:
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
			out = append(out, ev)
		case shared.StreakUpdatedEvent:
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
			out = append(out, ev)
		case shared.BadgePromotedEvent:
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
			out = append(out, ev)
		case shared.BadgeMaintenanceEvent:
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
			out = append(out, ev)
		case shared.StatsPrunedEvent:
			ev.BaseEvent = ev.BaseEvent.WithCorrelationID(correlationID)
			out = append(out, ev)
		default:
			out = append(out, e)
		}
	}
	return out
}
