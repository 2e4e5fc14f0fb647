// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. Each event represents something significant that
// happened to a participant's points or badge ladder.
const (
	// Points events
	EventPointsRecorded EventType = "points.recorded"
	EventStreakUpdated  EventType = "points.streak_updated"

	// Ladder events
	EventBadgePromoted     EventType = "badge.promoted"
	EventBadgeMaintained   EventType = "badge.maintained"
	EventBadgeGraceEntered EventType = "badge.grace_entered"
	EventBadgeDemoted      EventType = "badge.demoted"

	// System events
	EventStatsPruned       EventType = "stats.pruned"
	EventRolloverCompleted EventType = "system.rollover_completed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event stamped at the given instant.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// Base returns the common event header.
func (e BaseEvent) Base() BaseEvent {
	return e
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Points Events
// ═══════════════════════════════════════════════════════════════════════════

// PointsRecordedEvent is emitted after a point event has been folded into
// the participant's statistics.
type PointsRecordedEvent struct {
	BaseEvent
	EventID       string  `json:"event_id"`
	Points        float64 `json:"points"`
	Multiplier    float64 `json:"multiplier"`
	LifetimeTotal float64 `json:"lifetime_total"`
	Source        string  `json:"source,omitempty"`
}

// Payload implements Event interface.
func (e PointsRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"event_id":       e.EventID,
		"points":         e.Points,
		"multiplier":     e.Multiplier,
		"lifetime_total": e.LifetimeTotal,
		"source":         e.Source,
	}
}

// NewPointsRecordedEvent creates a new PointsRecordedEvent.
func NewPointsRecordedEvent(participantID, eventID string, points, multiplier, lifetime float64, source string, at time.Time) PointsRecordedEvent {
	return PointsRecordedEvent{
		BaseEvent:     NewBaseEvent(EventPointsRecorded, participantID, at),
		EventID:       eventID,
		Points:        points,
		Multiplier:    multiplier,
		LifetimeTotal: lifetime,
		Source:        source,
	}
}

// StreakUpdatedEvent is emitted when a streak count changes.
type StreakUpdatedEvent struct {
	BaseEvent
	StreakKey string `json:"streak_key"`
	Count     int    `json:"count"`
	Best      int    `json:"best"`
	Reset     bool   `json:"reset"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"streak_key": e.StreakKey,
		"count":      e.Count,
		"best":       e.Best,
		"reset":      e.Reset,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(participantID, streakKey string, count, best int, reset bool, at time.Time) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent: NewBaseEvent(EventStreakUpdated, participantID, at),
		StreakKey: streakKey,
		Count:     count,
		Best:      best,
		Reset:     reset,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Ladder Events
// ═══════════════════════════════════════════════════════════════════════════

// BadgePromotedEvent is emitted when a participant reaches a higher badge.
type BadgePromotedEvent struct {
	BaseEvent
	FromBadgeID   string  `json:"from_badge_id,omitempty"`
	ToBadgeID     string  `json:"to_badge_id"`
	LifetimeTotal float64 `json:"lifetime_total"`
	Reinstated    bool    `json:"reinstated"`
}

// Payload implements Event interface.
func (e BadgePromotedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"from_badge_id":  e.FromBadgeID,
		"to_badge_id":    e.ToBadgeID,
		"lifetime_total": e.LifetimeTotal,
		"reinstated":     e.Reinstated,
	}
}

// NewBadgePromotedEvent creates a new BadgePromotedEvent.
func NewBadgePromotedEvent(participantID, from, to string, lifetime float64, reinstated bool, at time.Time) BadgePromotedEvent {
	return BadgePromotedEvent{
		BaseEvent:     NewBaseEvent(EventBadgePromoted, participantID, at),
		FromBadgeID:   from,
		ToBadgeID:     to,
		LifetimeTotal: lifetime,
		Reinstated:    reinstated,
	}
}

// BadgeMaintenanceEvent covers the three outcomes of a maintenance interval:
// maintained, grace entered and demoted.
type BadgeMaintenanceEvent struct {
	BaseEvent
	BadgeID           string  `json:"badge_id"`
	NewBadgeID        string  `json:"new_badge_id,omitempty"`
	MaintenancePoints float64 `json:"maintenance_points"`
	Requirement       float64 `json:"requirement"`
	PeriodEnd         string  `json:"period_end,omitempty"`
	GraceEnd          string  `json:"grace_end,omitempty"`
}

// Payload implements Event interface.
func (e BadgeMaintenanceEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"badge_id":           e.BadgeID,
		"new_badge_id":       e.NewBadgeID,
		"maintenance_points": e.MaintenancePoints,
		"requirement":        e.Requirement,
		"period_end":         e.PeriodEnd,
		"grace_end":          e.GraceEnd,
	}
}

// NewBadgeMaintenanceEvent creates a maintenance outcome event. eventType must
// be one of EventBadgeMaintained, EventBadgeGraceEntered or EventBadgeDemoted.
func NewBadgeMaintenanceEvent(eventType EventType, participantID, badgeID string, points, requirement float64, at time.Time) BadgeMaintenanceEvent {
	return BadgeMaintenanceEvent{
		BaseEvent:         NewBaseEvent(eventType, participantID, at),
		BadgeID:           badgeID,
		MaintenancePoints: points,
		Requirement:       requirement,
	}
}

// IsDemotion reports whether the event records a demotion.
func (e BadgeMaintenanceEvent) IsDemotion() bool {
	return e.Type == EventBadgeDemoted
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// StatsPrunedEvent is emitted when old period buckets are removed.
type StatsPrunedEvent struct {
	BaseEvent
	Removed map[string]int `json:"removed"`
}

// Payload implements Event interface.
func (e StatsPrunedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"removed": e.Removed,
	}
}

// NewStatsPrunedEvent creates a new StatsPrunedEvent. removed counts the
// dropped keys per granularity.
func NewStatsPrunedEvent(participantID string, removed map[string]int, at time.Time) StatsPrunedEvent {
	return StatsPrunedEvent{
		BaseEvent: NewBaseEvent(EventStatsPruned, participantID, at),
		Removed:   removed,
	}
}

// RolloverCompletedEvent summarises one rollover pass.
type RolloverCompletedEvent struct {
	BaseEvent
	Day        string `json:"day"`
	Processed  int    `json:"processed"`
	Maintained int    `json:"maintained"`
	Graced     int    `json:"graced"`
	Demoted    int    `json:"demoted"`
	Failed     int    `json:"failed"`
}

// Payload implements Event interface.
func (e RolloverCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"day":        e.Day,
		"processed":  e.Processed,
		"maintained": e.Maintained,
		"graced":     e.Graced,
		"demoted":    e.Demoted,
		"failed":     e.Failed,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Envelope (for serialization and transport)
// ═══════════════════════════════════════════════════════════════════════════

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
