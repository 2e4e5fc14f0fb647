// Command api serves the points engine's REST API: recording points,
// evaluating and reading badge ladders, statistics, health and metrics.
//
// Badge evaluation after a point event is debounced into the pending queue;
// run cmd/worker next to it to drain the queue and close each day.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/choreboard/points-engine/config"
	"github.com/choreboard/points-engine/internal/app"
	httpapi "github.com/choreboard/points-engine/internal/interface/http"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────

	log := app.SetupLogger(cfg)
	log.Info("starting points API",
		slog.String("version", cfg.App.Version),
		slog.String("timezone", cfg.App.Location.String()),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. INFRASTRUCTURE AND HANDLERS
	// ─────────────────────────────────────────────────────────────────────────

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────

	serverCfg := httpapi.DefaultConfig()
	serverCfg.Addr = cfg.HTTP.Addr
	serverCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	serverCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverCfg.RateLimitPerSec = cfg.HTTP.RateLimitPerSec
	serverCfg.RateLimitBurst = cfg.HTTP.RateLimitBurst
	serverCfg.Version = cfg.App.Version

	deps := httpapi.Dependencies{
		RecordPoints:   a.RecordPoints,
		EvaluateLadder: a.EvaluateLadder,
		GetLadder:      a.GetLadder,
		GetStats:       a.GetStats,
		HealthChecker:  a.HealthChecker(),
		Logger:         app.RequestLogger(cfg),
	}
	if cfg.Observability.MetricsEnabled {
		deps.Metrics = a.Metrics
	}

	server := httpapi.NewServer(serverCfg, deps)
	serverErr := server.StartAsync()

	log.Info("points API started", slog.String("addr", serverCfg.Addr))

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok && err != nil {
			log.Error("http server failed", slog.Any("error", err))
			runErr = err
		}
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", slog.Any("error", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("shutdown failed", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}

	log.Info("points API stopped")
	return runErr
}
