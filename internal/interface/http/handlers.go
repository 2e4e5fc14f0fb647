package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/internal/application/query"
	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/domain/stats"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
	"github.com/choreboard/points-engine/pkg/logger"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.HealthChecker == nil {
		writeJSON(w, r, http.StatusOK, map[string]string{
			"status":  "healthy",
			"version": s.config.Version,
		})
		return
	}

	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// POINTS
// ══════════════════════════════════════════════════════════════════════════════

// recordPointsRequest is the body of POST /participants/{id}/points.
type recordPointsRequest struct {
	Points     *float64           `json:"points"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	OccurredAt *time.Time         `json:"occurred_at,omitempty"`
	EventID    string             `json:"event_id,omitempty"`
	Source     string             `json:"source,omitempty"`
}

type recordPointsResponse struct {
	ParticipantID string        `json:"participant_id"`
	EventID       string        `json:"event_id"`
	Duplicate     bool          `json:"duplicate"`
	Points        float64       `json:"points"`
	Multiplier    float64       `json:"multiplier"`
	LifetimeTotal float64       `json:"lifetime_total"`
	Streak        *stats.Streak `json:"streak,omitempty"`
	Events        []string      `json:"events,omitempty"`
	RecordedAt    time.Time     `json:"recorded_at"`
}

// handleRecordPoints handles POST /api/v1/participants/{id}/points.
// A replayed event answers 200 with duplicate set, a new one 201.
func (s *Server) handleRecordPoints(w http.ResponseWriter, r *http.Request) {
	if s.deps.RecordPoints == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Points recording not configured")
		return
	}

	var req recordPointsRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.Points == nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", "points is required")
		return
	}

	cmd := command.RecordPointsCommand{
		ParticipantID: mux.Vars(r)["id"],
		Points:        *req.Points,
		Metrics:       req.Metrics,
		EventID:       req.EventID,
		Source:        req.Source,
		CorrelationID: getRequestID(r.Context()),
	}
	if req.OccurredAt != nil {
		cmd.OccurredAt = *req.OccurredAt
	}

	result, err := s.deps.RecordPoints.Handle(r.Context(), cmd)
	if err != nil {
		s.writeHandlerError(w, r, "record points", err, logger.ParticipantID(cmd.ParticipantID))
		return
	}

	resp := recordPointsResponse{
		ParticipantID: result.ParticipantID,
		EventID:       result.EventID,
		Duplicate:     result.Duplicate,
		Points:        result.Points,
		Multiplier:    result.Multiplier,
		LifetimeTotal: result.LifetimeTotal,
		Streak:        result.Streak,
		RecordedAt:    result.RecordedAt,
	}
	for _, e := range result.Events {
		resp.Events = append(resp.Events, string(e.EventType()))
	}

	code := http.StatusCreated
	if result.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, r, code, resp)
}

// ══════════════════════════════════════════════════════════════════════════════
// LADDER
// ══════════════════════════════════════════════════════════════════════════════

// evaluateRequest is the optional body of POST /participants/{id}/evaluate.
type evaluateRequest struct {
	Today timeutil.Date `json:"today"`
}

type evaluateResponse struct {
	ParticipantID string            `json:"participant_id"`
	Found         bool              `json:"found"`
	Rank          *badge.ID         `json:"rank"`
	Promoted      bool              `json:"promoted"`
	Reinstated    bool              `json:"reinstated"`
	Suppressed    bool              `json:"suppressed"`
	Ladder        badge.LadderState `json:"ladder"`
	EvaluatedAt   time.Time         `json:"evaluated_at"`
}

// handleEvaluate handles POST /api/v1/participants/{id}/evaluate.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.EvaluateLadder == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Ladder evaluation not configured")
		return
	}

	var req evaluateRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	cmd := command.EvaluateLadderCommand{
		ParticipantID: mux.Vars(r)["id"],
		Today:         req.Today,
		CorrelationID: getRequestID(r.Context()),
	}
	result, err := s.deps.EvaluateLadder.Handle(r.Context(), cmd)
	if err != nil {
		s.writeHandlerError(w, r, "evaluate ladder", err, logger.ParticipantID(cmd.ParticipantID))
		return
	}

	writeJSON(w, r, http.StatusOK, evaluateResponse{
		ParticipantID: result.ParticipantID,
		Found:         result.Found,
		Rank:          result.Rank,
		Promoted:      result.Promoted,
		Reinstated:    result.Reinstated,
		Suppressed:    result.Suppressed,
		Ladder:        result.Ladder,
		EvaluatedAt:   result.EvaluatedAt,
	})
}

// handleGetLadder handles GET /api/v1/participants/{id}/ladder.
// ?fresh=true bypasses the cache.
func (s *Server) handleGetLadder(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetLadder == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Ladder query not configured")
		return
	}

	q := query.GetLadderQuery{
		ParticipantID: mux.Vars(r)["id"],
		SkipCache:     getQueryParamBool(r, "fresh"),
	}
	result, err := s.deps.GetLadder.Handle(r.Context(), q)
	if err != nil {
		s.writeHandlerError(w, r, "get ladder", err, logger.ParticipantID(q.ParticipantID))
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetStats handles GET /api/v1/participants/{id}/stats.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetStats == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "not_implemented", "Stats query not configured")
		return
	}

	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		writeJSONError(w, r, http.StatusBadRequest, "invalid_request", "limit must be an integer")
		return
	}

	q := query.GetStatsQuery{
		ParticipantID: mux.Vars(r)["id"],
		Granularity:   r.URL.Query().Get("granularity"),
		Metric:        r.URL.Query().Get("metric"),
		Limit:         limit,
	}
	result, err := s.deps.GetStats.Handle(r.Context(), q)
	if err != nil {
		s.writeHandlerError(w, r, "get stats", err, logger.ParticipantID(q.ParticipantID))
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// statusFor maps an application error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsConflict(err), shared.IsAlreadyExists(err):
		return http.StatusConflict, "conflict"
	case circuitbreaker.IsOpenError(err),
		errors.Is(err, shared.ErrServiceUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeHandlerError logs server-side failures and writes the mapped error.
// Client errors carry their message; server errors stay opaque.
func (s *Server) writeHandlerError(w http.ResponseWriter, r *http.Request, op string, err error, fields ...logger.Field) {
	code, errCode := statusFor(err)
	log := logger.FromContext(r.Context())

	if code >= 500 {
		log.Error("failed to "+op, append(fields, logger.Err(err))...)
		writeJSONError(w, r, code, errCode, "Failed to "+op)
		return
	}
	log.Debug("rejected "+op, append(fields, logger.Err(err))...)
	writeJSONError(w, r, code, errCode, err.Error())
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
		return
	}
	writeJSONError(w, r, http.StatusBadRequest, "invalid_request", "Invalid JSON payload: "+err.Error())
}

// decodeJSON decodes a single JSON object, rejecting unknown fields.
// With optional set an empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("empty body")
		}
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON object")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse represents a standard JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeResponse(w, status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"},
		RequestID: getRequestID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeResponse(w, status, JSONResponse{
		Error:     &APIError{Code: code, Message: message},
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC()},
		RequestID: getRequestID(r.Context()),
	})
}

func writeResponse(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func getQueryParamBool(r *http.Request, key string) bool {
	switch strings.ToLower(r.URL.Query().Get(key)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
