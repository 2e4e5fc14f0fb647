// Package metrics holds the engine's Prometheus collectors. One Metrics value
// implements every observer interface the application and infrastructure
// layers declare, so wiring is a single constructor call.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
)

const namespace = "points"

// Metrics is a set of collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	pointsTotal    *prometheus.CounterVec
	pointEvents    *prometheus.CounterVec
	streakUpdates  *prometheus.CounterVec
	promotions     *prometheus.CounterVec
	maintenance    *prometheus.CounterVec
	rolloverRuns   *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
	jobRuns        *prometheus.CounterVec
	jobSeconds     *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpSeconds    *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
}

// New creates the collectors and registers them, with the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credited_total",
			Help:      "Points credited after multipliers, by source.",
		}, []string{"source"}),
		pointEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Point events folded into statistics, by source.",
		}, []string{"source"}),
		streakUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streak_updates_total",
			Help:      "Streak changes by streak and outcome.",
		}, []string{"streak", "outcome"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badge_promotions_total",
			Help:      "Badge promotions by target badge and kind.",
		}, []string{"badge", "kind"}),
		maintenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "badge_maintenance_total",
			Help:      "Maintenance interval outcomes by badge.",
		}, []string{"badge", "outcome"}),
		rolloverRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollover_participants_total",
			Help:      "Participants visited by rollover passes, by result.",
		}, []string{"result"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Domain events published on the bus.",
		}, []string{"type"}),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_handler_duration_seconds",
			Help:      "Event handler latency by event type and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "status"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and status.",
		}, []string{"job", "status"}),
		jobSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job duration.",
			Buckets:   []float64{.05, .25, 1, 5, 30, 120, 600, 1800},
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"target"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.pointsTotal,
		m.pointEvents,
		m.streakUpdates,
		m.promotions,
		m.maintenance,
		m.rolloverRuns,
		m.eventsTotal,
		m.handlerSeconds,
		m.jobRuns,
		m.jobSeconds,
		m.httpRequests,
		m.httpSeconds,
		m.breakerState,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ─────────────────────────────────────────────────────────────────────────────
// Points and ladder (eventhandler.PointsMetrics, eventhandler.LadderMetrics)
// ─────────────────────────────────────────────────────────────────────────────

// PointsRecorded counts one credited point event.
func (m *Metrics) PointsRecorded(source string, points float64) {
	if source == "" {
		source = "unknown"
	}
	m.pointEvents.WithLabelValues(source).Inc()
	if points > 0 {
		m.pointsTotal.WithLabelValues(source).Add(points)
	}
}

// StreakUpdated counts a streak change.
func (m *Metrics) StreakUpdated(streakKey string, _ int, reset bool) {
	outcome := "extended"
	if reset {
		outcome = "reset"
	}
	m.streakUpdates.WithLabelValues(streakKey, outcome).Inc()
}

// Promotion counts a promotion or a reinstatement.
func (m *Metrics) Promotion(badgeID string, reinstated bool) {
	kind := "promotion"
	if reinstated {
		kind = "reinstatement"
	}
	m.promotions.WithLabelValues(badgeID, kind).Inc()
}

// Maintenance counts a maintenance outcome.
func (m *Metrics) Maintenance(eventType shared.EventType, badgeID string) {
	outcome := "maintained"
	switch eventType {
	case shared.EventBadgeGraceEntered:
		outcome = "grace"
	case shared.EventBadgeDemoted:
		outcome = "demoted"
	}
	m.maintenance.WithLabelValues(badgeID, outcome).Inc()
}

// Rollover counts the participants of one rollover pass.
func (m *Metrics) Rollover(processed, failed int) {
	m.rolloverRuns.WithLabelValues("ok").Add(float64(processed - failed))
	m.rolloverRuns.WithLabelValues("failed").Add(float64(failed))
}

// ─────────────────────────────────────────────────────────────────────────────
// Bus (messaging.BusMetrics) and jobs (scheduler.JobMetrics)
// ─────────────────────────────────────────────────────────────────────────────

// EventPublished counts an event published on the bus.
func (m *Metrics) EventPublished(eventType shared.EventType) {
	m.eventsTotal.WithLabelValues(string(eventType)).Inc()
}

// HandlerExecuted observes one handler call.
func (m *Metrics) HandlerExecuted(eventType shared.EventType, duration time.Duration, err error) {
	m.handlerSeconds.WithLabelValues(string(eventType), status(err)).Observe(duration.Seconds())
}

// JobRun observes one scheduled job run.
func (m *Metrics) JobRun(job string, duration time.Duration, err error) {
	m.jobRuns.WithLabelValues(job, status(err)).Inc()
	m.jobSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ─────────────────────────────────────────────────────────────────────────────
// Circuit breakers
// ─────────────────────────────────────────────────────────────────────────────

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	m.breakerState.WithLabelValues(name).Set(breakerValue(to))
}

// TrackBreaker publishes the breaker's current state.
func (m *Metrics) TrackBreaker(cb *circuitbreaker.CircuitBreaker) {
	m.breakerState.WithLabelValues(cb.Name()).Set(breakerValue(cb.State()))
}

func breakerValue(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	}
	return 0
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP
// ─────────────────────────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests to next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
