package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/internal/application/query"
	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/infrastructure/metrics"
	"github.com/choreboard/points-engine/internal/interface/http/handlers"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
	"github.com/choreboard/points-engine/pkg/logger"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeRecorder struct {
	got    command.RecordPointsCommand
	result *command.RecordPointsResult
	err    error
}

func (f *fakeRecorder) Handle(_ context.Context, cmd command.RecordPointsCommand) (*command.RecordPointsResult, error) {
	f.got = cmd
	return f.result, f.err
}

type fakeEvaluator struct {
	got command.EvaluateLadderCommand
	err error
}

func (f *fakeEvaluator) Handle(_ context.Context, cmd command.EvaluateLadderCommand) (*command.EvaluateLadderResult, error) {
	f.got = cmd
	if f.err != nil {
		return nil, f.err
	}
	return &command.EvaluateLadderResult{
		ParticipantID: cmd.ParticipantID,
		Found:         true,
		Rank:          badge.ID("silver").Ptr(),
		Promoted:      true,
		Ladder:        badge.NewLadderState(),
	}, nil
}

type fakeLadder struct {
	got query.GetLadderQuery
	err error
}

func (f *fakeLadder) Handle(_ context.Context, q query.GetLadderQuery) (*query.GetLadderResult, error) {
	f.got = q
	if f.err != nil {
		return nil, f.err
	}
	return &query.GetLadderResult{Ladder: &query.LadderView{ParticipantID: q.ParticipantID, LifetimePoints: 42}}, nil
}

type fakeStats struct {
	got query.GetStatsQuery
}

func (f *fakeStats) Handle(_ context.Context, q query.GetStatsQuery) (*query.GetStatsResult, error) {
	f.got = q
	return &query.GetStatsResult{ParticipantID: q.ParticipantID, Granularity: "daily", Metric: "earned"}, nil
}

type env struct {
	server    *Server
	recorder  *fakeRecorder
	evaluator *fakeEvaluator
	ladder    *fakeLadder
	stats     *fakeStats
	metrics   *metrics.Metrics
}

func newEnv(t *testing.T, mutate func(*Config, *Dependencies)) *env {
	t.Helper()
	e := &env{
		recorder:  &fakeRecorder{},
		evaluator: &fakeEvaluator{},
		ladder:    &fakeLadder{},
		stats:     &fakeStats{},
		metrics:   metrics.New(),
	}
	cfg := DefaultConfig()
	cfg.RateLimitPerSec = 0
	deps := Dependencies{
		RecordPoints:   e.recorder,
		EvaluateLadder: e.evaluator,
		GetLadder:      e.ladder,
		GetStats:       e.stats,
		Metrics:        e.metrics,
		Logger:         logger.New(logger.Options{Output: io.Discard}),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	e.server = NewServer(cfg, deps)
	return e
}

func (e *env) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) JSONResponse {
	t.Helper()
	var resp JSONResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

// ─────────────────────────────────────────────────────────────────────────────
// Routes
// ─────────────────────────────────────────────────────────────────────────────

func TestRecordPoints(t *testing.T) {
	e := newEnv(t, nil)
	e.recorder.result = &command.RecordPointsResult{
		ParticipantID: "ana",
		EventID:       "chore-1",
		Points:        12.5,
		Multiplier:    1.25,
		LifetimeTotal: 112.5,
		Events:        []shared.Event{shared.NewPointsRecordedEvent("ana", "chore-1", 12.5, 1.25, 112.5, "chore_approval", time.Now())},
	}

	rec := e.do(http.MethodPost, "/api/v1/participants/ana/points",
		`{"points": 10, "event_id": "chore-1", "source": "chore_approval", "metrics": {"chores_approved": 1}}`)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ana", e.recorder.got.ParticipantID)
	assert.Equal(t, 10.0, e.recorder.got.Points)
	assert.Equal(t, map[string]float64{"chores_approved": 1}, e.recorder.got.Metrics)
	assert.NotEmpty(t, e.recorder.got.CorrelationID)
	assert.Equal(t, e.recorder.got.CorrelationID, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	resp := decode(t, rec)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, 112.5, data["lifetime_total"])
	assert.Equal(t, []any{"points.recorded"}, data["events"])
}

func TestRecordPoints_DuplicateIsOK(t *testing.T) {
	e := newEnv(t, nil)
	e.recorder.result = &command.RecordPointsResult{ParticipantID: "ana", EventID: "chore-1", Duplicate: true}

	rec := e.do(http.MethodPost, "/api/v1/participants/ana/points", `{"points": 10, "event_id": "chore-1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordPoints_BadRequests(t *testing.T) {
	e := newEnv(t, nil)

	cases := map[string]string{
		"missing points": `{"source": "bonus"}`,
		"unknown field":  `{"points": 1, "bogus": true}`,
		"not json":       `points=1`,
		"empty":          ``,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/api/v1/participants/ana/points", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", decode(t, rec).Error.Code)
		})
	}
}

func TestRecordPoints_BodyTooLarge(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Dependencies) { c.MaxBodyBytes = 16 })

	rec := e.do(http.MethodPost, "/api/v1/participants/ana/points", `{"points": 1, "source": "`+strings.Repeat("x", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", fmt.Errorf("record_points: validation failed: %w", shared.ErrInvalidParticipantID), http.StatusBadRequest},
		{"not found", shared.ErrParticipantNotFound, http.StatusNotFound},
		{"locked", shared.ErrParticipantLocked, http.StatusConflict},
		{"stale", shared.ErrStaleParticipant, http.StatusConflict},
		{"breaker open", circuitbreaker.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			e.recorder.err = tc.err

			rec := e.do(http.MethodPost, "/api/v1/participants/ana/points", `{"points": 1}`)
			assert.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "boom")
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(http.MethodPost, "/api/v1/participants/ben/evaluate", `{"today": "2024-03-10"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ben", e.evaluator.got.ParticipantID)
	assert.Equal(t, timeutil.MustParseDate("2024-03-10"), e.evaluator.got.Today)

	data := decode(t, rec).Data.(map[string]any)
	assert.Equal(t, "silver", data["rank"])
	assert.Equal(t, true, data["promoted"])

	rec = e.do(http.MethodPost, "/api/v1/participants/ben/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.evaluator.got.Today.IsZero())

	rec = e.do(http.MethodPost, "/api/v1/participants/ben/evaluate", `{"today": "10/03/2024"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLadder(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(http.MethodGet, "/api/v1/participants/ana/ladder?fresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, e.ladder.got.SkipCache)

	ladder := decode(t, rec).Data.(map[string]any)["ladder"].(map[string]any)
	assert.Equal(t, 42.0, ladder["lifetime_points"])

	e.ladder.err = fmt.Errorf("get_ladder: validation failed: %w", shared.ErrInvalidParticipantID)
	rec = e.do(http.MethodGet, "/api/v1/participants/ana/ladder", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStats(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(http.MethodGet, "/api/v1/participants/ana/stats?granularity=weekly&metric=chores_approved&limit=4", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, query.GetStatsQuery{ParticipantID: "ana", Granularity: "weekly", Metric: "chores_approved", Limit: 4}, e.stats.got)

	rec = e.do(http.MethodGet, "/api/v1/participants/ana/stats?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteAndMissingHandler(t *testing.T) {
	e := newEnv(t, func(_ *Config, d *Dependencies) { d.GetStats = nil })

	rec := e.do(http.MethodGet, "/api/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec).Error.Code)

	rec = e.do(http.MethodGet, "/api/v1/participants/ana/stats", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Health, metrics and middleware
// ─────────────────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	checker := handlers.NewCompositeHealthChecker("test")
	checker.AddCheck("postgres", func(context.Context) error { return nil })
	e := newEnv(t, func(_ *Config, d *Dependencies) { d.HealthChecker = checker })

	rec := e.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	checker.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec = e.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Some checks failed: redis")
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.do(http.MethodGet, "/api/v1/participants/ana/ladder", "")

	rec := e.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `points_http_requests_total{route="ladder",status="200"} 1`)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Dependencies) {
		c.RateLimitPerSec = 0.001
		c.RateLimitBurst = 2
	})

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/participants/ana/ladder", "").Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/v1/participants/ana/ladder", "").Code)

	rec := e.do(http.MethodGet, "/api/v1/participants/ana/ladder", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestIDIsKept(t *testing.T) {
	e := newEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/participants/ana/ladder", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", decode(t, rec).RequestID)
}

func TestCORS(t *testing.T) {
	e := newEnv(t, func(c *Config, _ *Dependencies) { c.AllowedOrigins = []string{"https://family.example"} })

	req := httptest.NewRequest(http.MethodGet, "/api/v1/participants/ana/ladder", nil)
	req.Header.Set("Origin", "https://family.example")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://family.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

type panicky struct{}

func (panicky) Handle(context.Context, query.GetStatsQuery) (*query.GetStatsResult, error) {
	panic("stats exploded")
}

func TestPanicRecovery(t *testing.T) {
	var logs bytes.Buffer
	e := newEnv(t, func(_ *Config, d *Dependencies) {
		d.GetStats = panicky{}
		d.Logger = logger.New(logger.Options{Output: &logs})
	})

	rec := e.do(http.MethodGet, "/api/v1/participants/ana/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, logs.String(), "stats exploded")
}

func TestRateLimiterSweep(t *testing.T) {
	l := handlers.NewRateLimiter(1, 1)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 0, l.Sweep())
}
