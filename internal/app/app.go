// Package app wires the engine's infrastructure and handlers from a loaded
// configuration. The API server, the worker and pointsctl all start from it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/choreboard/points-engine/config"
	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/internal/application/eventhandler"
	"github.com/choreboard/points-engine/internal/application/query"
	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/internal/infrastructure/lock"
	"github.com/choreboard/points-engine/internal/infrastructure/messaging"
	"github.com/choreboard/points-engine/internal/infrastructure/metrics"
	"github.com/choreboard/points-engine/internal/infrastructure/persistence/postgres"
	"github.com/choreboard/points-engine/internal/infrastructure/persistence/redis"
	"github.com/choreboard/points-engine/internal/interface/http/handlers"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
	"github.com/choreboard/points-engine/pkg/logger"
	"github.com/choreboard/points-engine/pkg/retry"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

const (
	ladderCacheTTL = 10 * time.Minute
	drainLease     = 2 * time.Minute
	rolloverPage   = 500
)

// App holds every long-lived component of one process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Engine  *config.Engine
	Policy  badge.Policy

	DB    *postgres.Connection
	Store *postgres.ParticipantStore

	// Cache is nil when Redis is disabled.
	Cache *redis.Cache

	Bus        shared.EventBus
	Publisher  shared.EventPublisher
	Dispatcher *messaging.Dispatcher

	RecordPoints   *command.RecordPointsHandler
	EvaluateLadder *command.EvaluateLadderHandler
	RunRollover    *command.RunRolloverHandler
	DrainPending   *command.DrainPendingHandler
	GetLadder      *query.GetLadderHandler
	GetStats       *query.GetStatsHandler

	breakers []*circuitbreaker.CircuitBreaker
	closers  []func(context.Context) error
}

// New connects to every backend and builds the handlers. On error the
// components opened so far are closed again.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// Catalog
	// ─────────────────────────────────────────────────────────────────────────

	a.Engine, err = config.LoadCatalog(cfg.Engine.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.Policy = a.Engine.ResolvePolicy(cfg.Engine.Policy, cfg.Features)
	log.Info("catalog loaded",
		slog.String("path", cfg.Engine.CatalogPath),
		slog.Int("badges", a.Engine.Catalog.Len()),
		slog.String("policy", string(a.Policy)),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// PostgreSQL
	// ─────────────────────────────────────────────────────────────────────────

	dbBreaker := a.breaker(circuitbreaker.DatabaseBreaker(a.Metrics.BreakerStateChanged,
		circuitbreaker.WithIsFailure(postgres.IsBackendFailure)))

	a.DB, err = OpenDatabase(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { a.DB.Close(); return nil })
	a.Store = postgres.NewParticipantStore(a.DB, dbBreaker)

	// ─────────────────────────────────────────────────────────────────────────
	// Redis, locks and the event bus
	// ─────────────────────────────────────────────────────────────────────────

	var (
		locker      participant.Locker
		invalidator command.CacheInvalidator
		ladderCache query.LadderCache
	)

	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log
	busConfig.Metrics = a.Metrics

	if cfg.Redis.Disabled {
		log.Warn("redis disabled: in-process locks and event bus, no ladder cache")
		locker = lock.NewLocalLocker(cfg.Engine.LockTTL)

		bus := messaging.NewInMemoryEventBus(busConfig)
		a.onClose(func(context.Context) error { return bus.Close() })
		a.Bus = bus
	} else {
		cacheBreaker := a.breaker(circuitbreaker.CacheBreaker(a.Metrics.BreakerStateChanged,
			circuitbreaker.WithIsFailure(redis.IsBackendFailure)))

		a.Cache, err = redis.NewCache(ctx, RedisConfig(cfg.Redis), cacheBreaker)
		if err != nil {
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		a.onClose(func(context.Context) error { return a.Cache.Close() })

		locker = redis.NewLocker(a.Cache, retry.LockRetrier(), log)
		lc := redis.NewLadderCache(a.Cache, ladderCacheTTL)
		invalidator, ladderCache = lc, lc

		bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Transport:      messaging.NewGoRedisTransport(a.Cache.Client()),
			Channel:        cfg.Redis.Channel,
			LocalBusConfig: busConfig,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("app: event bus: %w", err)
		}
		a.onClose(func(context.Context) error { return bus.Close() })
		a.Bus = bus
	}
	a.Publisher = a.Bus

	// ─────────────────────────────────────────────────────────────────────────
	// Kafka
	// ─────────────────────────────────────────────────────────────────────────

	if cfg.Features.IsEnabled(config.FeatureEventsKafka, "") {
		kafkaBreaker := a.breaker(circuitbreaker.BrokerBreaker(a.Metrics.BreakerStateChanged))

		kc := messaging.DefaultKafkaConfig()
		kc.Brokers = cfg.Kafka.Brokers
		kc.Topic = cfg.Kafka.Topic
		kc.RequiredAcks = cfg.Kafka.RequiredAcks
		kc.QueueSize = cfg.Kafka.QueueSize

		kafka, err := messaging.NewKafkaPublisher(kc, kafkaBreaker, log)
		if err != nil {
			return nil, fmt.Errorf("app: kafka: %w", err)
		}
		kafka.Start(ctx)
		a.onClose(kafka.Stop)
		a.Publisher = messaging.NewFanoutPublisher(a.Bus, kafka)

		log.Info("kafka publisher started",
			slog.String("topic", kc.Topic),
			slog.String("brokers", strings.Join(kc.Brokers, ",")),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Event handlers
	// ─────────────────────────────────────────────────────────────────────────

	a.Dispatcher = messaging.NewDispatcher(messaging.DispatcherConfig{
		Subscriber: a.Bus,
		Retrier:    retry.BrokerRetrier(),
		Logger:     log,
	})
	if err := a.Dispatcher.Register("on_points_recorded", eventhandler.NewOnPointsRecordedHandler(a.Metrics, log)); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if err := a.Dispatcher.Register("on_ladder_changed", eventhandler.NewOnLadderChangedHandler(a.Metrics, log)); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Commands and queries
	// ─────────────────────────────────────────────────────────────────────────

	var (
		clock    = timeutil.SystemClock{}
		zone     = cfg.App.Location
		flags    = cfg.Features
		debounce = participant.Debounce{Delay: cfg.Engine.DebounceDelay, MaxWait: cfg.Engine.DebounceMaxWait}
		catalog  = a.Engine.Catalog
	)

	a.RecordPoints = command.NewRecordPointsHandler(a.Store, catalog, locker, invalidator, a.Publisher, clock, log,
		command.RecordPointsHandlerConfig{
			Zone:            zone,
			ApplyMultiplier: flags.IsEnabled(config.FeatureApplyMultiplier, ""),
			TrackStreaks:    flags.IsEnabled(config.FeatureStreaks, ""),
			Debounce:        debounce,
			LockTTL:         cfg.Engine.LockTTL,
		})

	a.EvaluateLadder = command.NewEvaluateLadderHandler(a.Store, catalog, locker, invalidator, a.Publisher, clock, log,
		command.EvaluateLadderHandlerConfig{
			Zone:    zone,
			Policy:  a.Policy,
			LockTTL: cfg.Engine.LockTTL,
		})

	a.RunRollover = command.NewRunRolloverHandler(a.Store, catalog, locker, invalidator, a.Publisher, clock, log,
		command.RunRolloverHandlerConfig{
			Zone:        zone,
			Concurrency: cfg.Scheduler.Concurrency,
			PageSize:    rolloverPage,
			Prune:       flags.IsEnabled(config.FeaturePrune, ""),
			Retention:   a.Engine.Retention,
			Debounce:    debounce,
			LockTTL:     cfg.Engine.LockTTL,
		})

	a.DrainPending = command.NewDrainPendingHandler(a.Store, a.EvaluateLadder, clock, log,
		command.DrainPendingHandlerConfig{
			Limit:       cfg.Scheduler.DrainBatch,
			Concurrency: cfg.Scheduler.Concurrency,
			Lease:       drainLease,
		})

	a.GetLadder = query.NewGetLadderHandler(a.Store, catalog, ladderCache, clock, zone, log)
	a.GetStats = query.NewGetStatsHandler(a.Store)

	return a, nil
}

// OpenDatabase connects to PostgreSQL and applies pending migrations when
// auto-migrate is on.
func OpenDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*postgres.Connection, error) {
	conn, err := postgres.NewConnection(ctx, PostgresConfig(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("app: postgres: %w", err)
	}

	if cfg.Database.AutoMigrate {
		applied, err := postgres.NewMigrator(conn).Migrate(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
		log.Info("migrations applied", slog.Int("count", applied))
	}
	return conn, nil
}

// HealthChecker returns the checks behind /health.
func (a *App) HealthChecker() *handlers.CompositeHealthChecker {
	checker := handlers.NewCompositeHealthChecker(a.Config.App.Version)
	checker.AddCheck("postgres", handlers.NewPingCheck(a.DB))
	if a.Cache != nil {
		checker.AddCheck("redis", handlers.NewPingCheck(a.Cache))
	}
	for _, cb := range a.breakers {
		checker.AddCheck(cb.Name()+"_breaker", handlers.NewBreakerCheck(cb))
	}
	return checker
}

// Close releases components in reverse start order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) breaker(cb *circuitbreaker.CircuitBreaker) *circuitbreaker.CircuitBreaker {
	a.Metrics.TrackBreaker(cb)
	a.breakers = append(a.breakers, cb)
	return cb
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// PostgresConfig maps the database section onto the pool configuration.
func PostgresConfig(c config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = c.URL
	pc.Host = c.Host
	pc.Port = c.Port
	pc.Database = c.Name
	pc.User = c.User
	pc.Password = c.Password
	pc.SSLMode = c.SSLMode
	pc.MaxConns = int32(c.MaxConns)
	pc.MinConns = int32(c.MinConns)
	if c.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		pc.MaxConnIdleTime = c.ConnMaxIdleTime
	}
	if c.ConnectTimeout > 0 {
		pc.ConnectTimeout = c.ConnectTimeout
	}
	return pc
}

// RedisConfig maps the redis section onto the client configuration.
func RedisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.URL = c.URL
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	rc.KeyPrefix = c.KeyPrefix
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		rc.MinIdleConns = c.MinIdleConns
	}
	if c.DialTimeout > 0 {
		rc.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		rc.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		rc.WriteTimeout = c.WriteTimeout
	}
	return rc
}

// ══════════════════════════════════════════════════════════════════════════════
// LOGGING
// ══════════════════════════════════════════════════════════════════════════════

// SetupLogger builds the process logger and makes it the slog default.
// APP_DEBUG forces debug level.
func SetupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(cfg)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Observability.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler).With(
		slog.String("service", cfg.App.Name),
		slog.String("env", string(cfg.App.Environment)),
	)
	slog.SetDefault(log)
	return log
}

// RequestLogger builds the HTTP access logger with the same level and format.
func RequestLogger(cfg *config.Config) *logger.Logger {
	level := logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		level = logger.LevelDebug
	}
	return logger.New(logger.Options{
		Output:    os.Stdout,
		Format:    logger.Format(strings.ToLower(cfg.Observability.LogFormat)),
		Level:     level,
		AddCaller: false,
	}).With(logger.Component("http"))
}

func slogLevel(cfg *config.Config) slog.Level {
	if cfg.App.Debug {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Observability.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
