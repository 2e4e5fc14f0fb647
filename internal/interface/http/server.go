// Package http exposes the points engine over a small REST API: recording
// points, evaluating and reading a participant's badge ladder, statistics,
// health and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	ghandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/internal/application/query"
	"github.com/choreboard/points-engine/internal/interface/http/handlers"
	"github.com/choreboard/points-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains HTTP server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// RequestTimeout bounds the context of every API request.
	RequestTimeout time.Duration

	MaxHeaderBytes int
	MaxBodyBytes   int64

	// AllowedOrigins enables CORS for the listed origins. Empty disables it.
	AllowedOrigins []string

	// RateLimitPerSec is the per-client request rate (0 = disabled).
	RateLimitPerSec float64
	RateLimitBurst  int

	// Version is reported by /health.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  10 * time.Second,
		MaxHeaderBytes:  1 << 20,
		MaxBodyBytes:    64 << 10,
		RateLimitPerSec: 20,
		RateLimitBurst:  40,
		Version:         "v1",
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// PointsRecorder records point events (command.RecordPointsHandler).
type PointsRecorder interface {
	Handle(ctx context.Context, cmd command.RecordPointsCommand) (*command.RecordPointsResult, error)
}

// LadderEvaluator re-evaluates a ladder (command.EvaluateLadderHandler).
type LadderEvaluator interface {
	Handle(ctx context.Context, cmd command.EvaluateLadderCommand) (*command.EvaluateLadderResult, error)
}

// LadderReader reads ladder views (query.GetLadderHandler).
type LadderReader interface {
	Handle(ctx context.Context, q query.GetLadderQuery) (*query.GetLadderResult, error)
}

// StatsReader reads statistics series (query.GetStatsHandler).
type StatsReader interface {
	Handle(ctx context.Context, q query.GetStatsQuery) (*query.GetStatsResult, error)
}

// MetricsExporter instruments routes and serves the metrics endpoint.
type MetricsExporter interface {
	WrapHandler(route string, next http.Handler) http.Handler
	Handler() http.Handler
}

// Dependencies contains all dependencies required by HTTP handlers. Nil
// handlers answer 501.
type Dependencies struct {
	RecordPoints   PointsRecorder
	EvaluateLadder LadderEvaluator
	GetLadder      LadderReader
	GetStats       StatsReader

	HealthChecker handlers.HealthChecker
	Metrics       MetricsExporter
	Logger        *logger.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER
// ══════════════════════════════════════════════════════════════════════════════

// Server represents the HTTP server.
type Server struct {
	config     Config
	deps       Dependencies
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	limiter    *handlers.RateLimiter
	logger     *logger.Logger

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	stopSweep context.CancelFunc
}

// NewServer creates a new HTTP server with the given configuration and dependencies.
func NewServer(config Config, deps Dependencies) *Server {
	s := &Server{
		config:  config,
		deps:    deps,
		router:  mux.NewRouter(),
		limiter: handlers.NewRateLimiter(config.RateLimitPerSec, config.RateLimitBurst),
		logger:  deps.Logger,
	}
	if s.logger == nil {
		s.logger = logger.Default()
	}
	s.logger = s.logger.With(logger.Component("http"))

	s.setupRoutes()
	s.handler = s.buildMiddlewareChain(s.router)

	s.httpServer = &http.Server{
		Addr:           config.Addr,
		Handler:        s.handler,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTING
// ══════════════════════════════════════════════════════════════════════════════

func (s *Server) setupRoutes() {
	r := s.router

	// ─────────────────────────────────────────────────────────────────────────
	// Health & Metrics
	// ─────────────────────────────────────────────────────────────────────────
	r.Handle("/health", s.route("health", s.handleHealth)).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// API v1
	// ─────────────────────────────────────────────────────────────────────────
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(handlers.NoCacheMiddleware)
	if s.config.MaxBodyBytes > 0 {
		api.Use(handlers.RequestSizeLimitMiddleware(s.config.MaxBodyBytes))
	}
	if s.config.RequestTimeout > 0 {
		api.Use(handlers.TimeoutMiddleware(s.config.RequestTimeout))
	}

	api.Handle("/participants/{id}/points", s.route("record_points", s.handleRecordPoints)).Methods(http.MethodPost)
	api.Handle("/participants/{id}/evaluate", s.route("evaluate", s.handleEvaluate)).Methods(http.MethodPost)
	api.Handle("/participants/{id}/ladder", s.route("ladder", s.handleGetLadder)).Methods(http.MethodGet)
	api.Handle("/participants/{id}/stats", s.route("stats", s.handleGetStats)).Methods(http.MethodGet)

	r.NotFoundHandler = s.route("not_found", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found", "No such route")
	})
	r.MethodNotAllowedHandler = s.route("method_not_allowed", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
}

// route instruments a handler under a stable route label.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	if s.deps.Metrics == nil {
		return h
	}
	return s.deps.Metrics.WrapHandler(name, h)
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE CHAIN
// ══════════════════════════════════════════════════════════════════════════════

// buildMiddlewareChain wraps the router. The first middleware runs first.
func (s *Server) buildMiddlewareChain(h http.Handler) http.Handler {
	chain := []handlers.MiddlewareFunc{
		ghandlers.RecoveryHandler(ghandlers.RecoveryLogger(recoveryLogger{s.logger}), ghandlers.PrintRecoveryStack(false)),
	}
	if len(s.config.AllowedOrigins) > 0 {
		chain = append(chain, ghandlers.CORS(
			ghandlers.AllowedOrigins(s.config.AllowedOrigins),
			ghandlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			ghandlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
			ghandlers.ExposedHeaders([]string{"X-Request-ID"}),
		))
	}
	chain = append(chain, s.requestIDMiddleware, s.loggingMiddleware)
	if s.limiter.Enabled() {
		chain = append(chain, s.limiter.Middleware(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, r, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests, please try again later")
		}))
	}
	return handlers.Chain(chain...)(h)
}

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// requestIDMiddleware tags each request with an ID and a request-scoped logger.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), contextKeyRequestID, requestID)
		ctx = logger.WithContext(ctx, s.logger.WithRequestID(requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		log := logger.FromContext(r.Context())
		fields := []logger.Field{
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Status(rw.statusCode),
			logger.Latency(time.Since(start)),
			logger.String("ip", handlers.ClientIP(r)),
		}
		switch {
		case rw.statusCode >= 500:
			log.Error("http request", fields...)
		case r.URL.Path == "/health" || r.URL.Path == "/metrics":
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	})
}

// recoveryLogger adapts the logger to gorilla's recovery handler.
type recoveryLogger struct {
	log *logger.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("panic recovered", logger.String("panic", fmt.Sprint(v...)))
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVER LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	s.mu.Unlock()

	if s.limiter.Enabled() {
		go s.limiter.Run(sweepCtx, time.Minute)
	}

	s.logger.Info("starting HTTP server", logger.String("address", s.config.Addr))

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.stopSweep != nil {
		s.stopSweep()
	}
	s.mu.Unlock()

	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startedAt)
}
