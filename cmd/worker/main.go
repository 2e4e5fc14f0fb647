// Command worker runs the engine's background jobs: the daily rollover
// (maintenance intervals, statistics pruning, ledger purge) and the drain of
// debounced badge evaluations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/choreboard/points-engine/config"
	"github.com/choreboard/points-engine/internal/app"
	"github.com/choreboard/points-engine/internal/infrastructure/scheduler"
	"github.com/choreboard/points-engine/internal/infrastructure/scheduler/jobs"
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
	log.Info("starting points worker",
		slog.String("version", cfg.App.Version),
		slog.String("timezone", cfg.App.Location.String()),
	)

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler disabled, nothing to do")
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. INFRASTRUCTURE AND HANDLERS
	// ─────────────────────────────────────────────────────────────────────────

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. JOBS
	// ─────────────────────────────────────────────────────────────────────────

	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   log,
		Timezone: cfg.App.Location,
		Metrics:  a.Metrics,
	})

	rolloverSchedule, err := scheduler.ParseCron(cfg.Scheduler.RolloverCron, cfg.App.Location)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("rollover schedule: %w", err)
	}

	rollover := jobs.NewRolloverJob(a.RunRollover, a.Store, nil, log, jobs.RolloverConfig{
		Zone:            cfg.App.Location,
		CloseYesterday:  true,
		LedgerRetention: cfg.Engine.LedgerRetention,
		Timeout:         cfg.Scheduler.JobTimeout,
	})
	drain := jobs.NewDrainPendingJob(a.DrainPending, log, jobs.DrainPendingConfig{
		BatchSize:  cfg.Scheduler.DrainBatch,
		MaxBatches: 10,
	})

	for _, r := range []struct {
		job      scheduler.Job
		schedule scheduler.Schedule
	}{
		{rollover, rolloverSchedule},
		{drain, scheduler.NewIntervalSchedule(cfg.Scheduler.DrainInterval)},
	} {
		if err := sched.Register(r.job, r.schedule); err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("register %s: %w", r.job.Name(), err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("start scheduler: %w", err)
	}
	log.Info("scheduler started",
		slog.String("rollover_cron", cfg.Scheduler.RolloverCron),
		slog.Duration("drain_interval", cfg.Scheduler.DrainInterval),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. METRICS ENDPOINT
	// ─────────────────────────────────────────────────────────────────────────

	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		health := a.HealthChecker()

		router := mux.NewRouter()
		router.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
		router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			status := health.Check(r.Context())
			w.Header().Set("Content-Type", "application/json")
			if !status.Healthy {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			_ = json.NewEncoder(w).Encode(status)
		}).Methods(http.MethodGet)

		metricsServer = &http.Server{
			Addr:              cfg.Observability.MetricsAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		log.Info("metrics endpoint started", slog.String("addr", cfg.Observability.MetricsAddr))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(); err != nil {
		log.Error("scheduler stop failed", slog.Any("error", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("metrics server shutdown failed", slog.Any("error", err))
		}
	}
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("shutdown failed", slog.Any("error", err))
		return err
	}

	if stats := rollover.LastStats(); stats != nil && stats.Result != nil {
		log.Info("last rollover",
			slog.String("day", stats.Result.Day.String()),
			slog.Int("processed", stats.Result.Processed),
			slog.Int64("ledger_purged", stats.Purged),
		)
	}
	log.Info("points worker stopped")
	return nil
}
