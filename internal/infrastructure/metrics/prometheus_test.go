package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/application/eventhandler"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/infrastructure/messaging"
	"github.com/choreboard/points-engine/internal/infrastructure/scheduler"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
)

var (
	_ eventhandler.LadderMetrics = (*Metrics)(nil)
	_ eventhandler.PointsMetrics = (*Metrics)(nil)
	_ messaging.BusMetrics       = (*Metrics)(nil)
	_ scheduler.JobMetrics       = (*Metrics)(nil)
)

func TestPointsAndLadder(t *testing.T) {
	m := New()

	m.PointsRecorded("dishes", 20)
	m.PointsRecorded("dishes", 0)
	m.PointsRecorded("", 5)
	assert.Equal(t, 20.0, testutil.ToFloat64(m.pointsTotal.WithLabelValues("dishes")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pointEvents.WithLabelValues("dishes")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.pointsTotal.WithLabelValues("unknown")))

	m.StreakUpdated("activity", 4, false)
	m.StreakUpdated("activity", 1, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streakUpdates.WithLabelValues("activity", "reset")))

	m.Promotion("silver", false)
	m.Promotion("silver", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promotions.WithLabelValues("silver", "reinstatement")))

	m.Maintenance(shared.EventBadgeMaintained, "gold")
	m.Maintenance(shared.EventBadgeGraceEntered, "gold")
	m.Maintenance(shared.EventBadgeDemoted, "gold")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenance.WithLabelValues("gold", "grace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenance.WithLabelValues("gold", "demoted")))

	m.Rollover(10, 2)
	assert.Equal(t, 8.0, testutil.ToFloat64(m.rolloverRuns.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rolloverRuns.WithLabelValues("failed")))
}

func TestBusAndJobs(t *testing.T) {
	m := New()

	m.EventPublished(shared.EventPointsRecorded)
	m.HandlerExecuted(shared.EventPointsRecorded, time.Millisecond, errors.New("boom"))
	m.JobRun("rollover", time.Second, nil)
	m.JobRun("rollover", time.Second, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("points.recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("rollover", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.handlerSeconds))
}

func TestBreakerState(t *testing.T) {
	m := New()
	cb := circuitbreaker.New("postgres")

	m.TrackBreaker(cb)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("postgres")))

	m.BreakerStateChanged("postgres", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("postgres")))

	m.BreakerStateChanged("postgres", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("postgres")))
}

func TestHTTPAndHandler(t *testing.T) {
	m := New()
	h := m.WrapHandler("ladder", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("ladder", "404")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `points_http_requests_total{route="ladder",status="404"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
