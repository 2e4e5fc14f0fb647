package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENVELOPE CODEC
// Events cross process boundaries (Redis, Kafka) as shared.EventEnvelope with
// the full event as payload, and come back as their concrete types so the
// same handlers serve local and remote events.
// ══════════════════════════════════════════════════════════════════════════════

type baser interface {
	Base() shared.BaseEvent
}

// Encode wraps event in an envelope with a fresh ID.
func Encode(event shared.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event.EventType(), err)
	}

	env := shared.EventEnvelope{
		ID:          uuid.NewString(),
		Type:        event.EventType(),
		AggregateID: event.AggregateID(),
		Timestamp:   event.OccurredAt(),
		Version:     1,
		Payload:     payload,
	}
	if b, ok := event.(baser); ok {
		env.Version = b.Base().Version
		env.CorrelationID = b.Base().CorrelationID
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event.EventType(), err)
	}
	return data, nil
}

// Decode reverses Encode. Unknown event types are returned as ErrUnknownEvent
// together with the envelope.
func Decode(data []byte) (shared.Event, shared.EventEnvelope, error) {
	var env shared.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		event shared.Event
		err   error
	)
	switch env.Type {
	case shared.EventPointsRecorded:
		event, err = decodeAs[shared.PointsRecordedEvent](env.Payload)
	case shared.EventStreakUpdated:
		event, err = decodeAs[shared.StreakUpdatedEvent](env.Payload)
	case shared.EventBadgePromoted:
		event, err = decodeAs[shared.BadgePromotedEvent](env.Payload)
	case shared.EventBadgeMaintained, shared.EventBadgeGraceEntered, shared.EventBadgeDemoted:
		event, err = decodeAs[shared.BadgeMaintenanceEvent](env.Payload)
	case shared.EventStatsPruned:
		event, err = decodeAs[shared.StatsPrunedEvent](env.Payload)
	case shared.EventRolloverCompleted:
		event, err = decodeAs[shared.RolloverCompletedEvent](env.Payload)
	default:
		return nil, env, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, env, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return event, env, nil
}

func decodeAs[T shared.Event](payload json.RawMessage) (shared.Event, error) {
	var event T
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return event, nil
}
