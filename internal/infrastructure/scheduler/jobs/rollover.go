// Package jobs contains the engine's scheduled jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/internal/infrastructure/scheduler"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// ROLLOVER JOB
// ══════════════════════════════════════════════════════════════════════════════

// RolloverRunner runs one rollover pass.
type RolloverRunner interface {
	Handle(ctx context.Context, cmd command.RunRolloverCommand) (*command.RunRolloverResult, error)
}

// LedgerPurger forgets old processed-event ledger entries.
type LedgerPurger interface {
	PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// RolloverConfig contains configuration for the rollover job.
type RolloverConfig struct {
	Zone *time.Location

	// CloseYesterday rolls over the day that just ended instead of the
	// clock's current day. Use it when the job runs shortly after midnight.
	CloseYesterday bool

	// LedgerRetention is how long processed event IDs are remembered.
	// Zero disables the purge.
	LedgerRetention time.Duration

	// Timeout is the maximum duration of one run.
	Timeout time.Duration
}

// DefaultRolloverConfig returns sensible defaults.
func DefaultRolloverConfig() RolloverConfig {
	return RolloverConfig{
		Zone:            time.UTC,
		CloseYesterday:  true,
		LedgerRetention: 90 * 24 * time.Hour,
		Timeout:         30 * time.Minute,
	}
}

// RolloverStats describes the last run.
type RolloverStats struct {
	Result *command.RunRolloverResult
	Purged int64
}

// RolloverJob closes a day: maintenance intervals, pruning and the ledger
// purge.
type RolloverJob struct {
	runner RolloverRunner
	purger LedgerPurger
	clock  timeutil.Clock
	logger *slog.Logger
	config RolloverConfig

	last atomic.Pointer[RolloverStats]
}

// NewRolloverJob creates the job. purger may be nil.
func NewRolloverJob(runner RolloverRunner, purger LedgerPurger, clock timeutil.Clock, logger *slog.Logger, config RolloverConfig) *RolloverJob {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Zone == nil {
		config.Zone = time.UTC
	}
	return &RolloverJob{
		runner: runner,
		purger: purger,
		clock:  clock,
		logger: logger.With(slog.String("job", "rollover")),
		config: config,
	}
}

// Name returns the job name.
func (j *RolloverJob) Name() string { return "rollover" }

// Description returns a human-readable description.
func (j *RolloverJob) Description() string {
	return "Steps badge maintenance, prunes old statistics and purges the event ledger"
}

// Run executes the rollover.
func (j *RolloverJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	now := j.clock.Now()
	day := timeutil.DateOf(now, j.config.Zone)
	if j.config.CloseYesterday {
		day = day.AddDays(-1)
	}

	result, err := j.runner.Handle(ctx, command.RunRolloverCommand{
		Today:         day,
		CorrelationID: scheduler.RunID(ctx),
	})
	if err != nil {
		return fmt.Errorf("rollover %s: %w", day, err)
	}
	stats := &RolloverStats{Result: result}

	if j.purger != nil && j.config.LedgerRetention > 0 {
		purged, err := j.purger.PurgeProcessedEvents(ctx, now.Add(-j.config.LedgerRetention))
		if err != nil {
			j.last.Store(stats)
			return fmt.Errorf("purge processed events: %w", err)
		}
		stats.Purged = purged
	}
	j.last.Store(stats)

	j.logger.Info("rollover finished",
		slog.String("day", day.String()),
		slog.Int("processed", result.Processed),
		slog.Int("demoted", result.Demoted),
		slog.Int("failed", result.Failed),
		slog.Int64("ledger_purged", stats.Purged),
	)
	return nil
}

// LastStats returns the stats of the last successful rollover, or nil.
func (j *RolloverJob) LastStats() *RolloverStats {
	return j.last.Load()
}
