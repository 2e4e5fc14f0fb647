package eventhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

type recordingMetrics struct {
	promotions  []string
	maintenance []shared.EventType
	rollovers   int
	points      float64
	resets      int
}

func (m *recordingMetrics) Promotion(badgeID string, _ bool) {
	m.promotions = append(m.promotions, badgeID)
}

func (m *recordingMetrics) Maintenance(t shared.EventType, _ string) {
	m.maintenance = append(m.maintenance, t)
}

func (m *recordingMetrics) Rollover(int, int) { m.rollovers++ }

func (m *recordingMetrics) PointsRecorded(_ string, p float64) { m.points += p }

func (m *recordingMetrics) StreakUpdated(_ string, _ int, reset bool) {
	if reset {
		m.resets++
	}
}

func TestOnLadderChangedHandler(t *testing.T) {
	at := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	m := &recordingMetrics{}
	h := NewOnLadderChangedHandler(m, nil)

	assert.NoError(t, h.Handle(shared.NewBadgePromotedEvent("ana", "bronze", "silver", 2600, false, at)))
	assert.NoError(t, h.Handle(shared.NewBadgeMaintenanceEvent(shared.EventBadgeDemoted, "ana", "silver", 10, 300, at)))
	assert.NoError(t, h.Handle(shared.RolloverCompletedEvent{BaseEvent: shared.NewBaseEvent(shared.EventRolloverCompleted, "system", at)}))
	assert.NoError(t, h.Handle(shared.NewStatsPrunedEvent("ana", nil, at)), "unexpected events are ignored")

	assert.Equal(t, []string{"silver"}, m.promotions)
	assert.Equal(t, []shared.EventType{shared.EventBadgeDemoted}, m.maintenance)
	assert.Equal(t, 1, m.rollovers)
	assert.Len(t, h.EventTypes(), 5)
}

func TestOnPointsRecordedHandler(t *testing.T) {
	at := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	m := &recordingMetrics{}
	h := NewOnPointsRecordedHandler(m, nil)

	assert.NoError(t, h.Handle(shared.NewPointsRecordedEvent("ana", "e1", 30, 1, 30, "", at)))
	assert.NoError(t, h.Handle(shared.NewPointsRecordedEvent("ana", "e2", 15, 1.5, 45, "bonus", at)))
	assert.NoError(t, h.Handle(shared.NewStreakUpdatedEvent("ana", "activity", 1, 4, true, at)))

	assert.Equal(t, 45.0, m.points)
	assert.Equal(t, 1, m.resets)
}

func TestHandlersWithoutMetrics(t *testing.T) {
	at := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, NewOnLadderChangedHandler(nil, nil).Handle(shared.NewBadgePromotedEvent("ana", "", "bronze", 500, false, at)))
	assert.NoError(t, NewOnPointsRecordedHandler(nil, nil).Handle(shared.NewPointsRecordedEvent("ana", "e1", 1, 1, 1, "", at)))
}
