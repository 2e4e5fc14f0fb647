package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/choreboard/points-engine/internal/application/command"
)

// ══════════════════════════════════════════════════════════════════════════════
// DRAIN PENDING EVALUATIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// PendingDrainer drains one batch of due evaluations.
type PendingDrainer interface {
	Handle(ctx context.Context, cmd command.DrainPendingCommand) (*command.DrainPendingResult, error)
}

// DrainPendingConfig contains configuration for the drain job.
type DrainPendingConfig struct {
	// BatchSize is the number of rows claimed per batch.
	BatchSize int

	// MaxBatches bounds one run; the rest waits for the next tick.
	MaxBatches int
}

// DefaultDrainPendingConfig returns sensible defaults.
func DefaultDrainPendingConfig() DrainPendingConfig {
	return DrainPendingConfig{BatchSize: 200, MaxBatches: 10}
}

// DrainPendingJob evaluates participants whose debounced evaluation is due.
type DrainPendingJob struct {
	drainer PendingDrainer
	logger  *slog.Logger
	config  DrainPendingConfig
}

// NewDrainPendingJob creates the job.
func NewDrainPendingJob(drainer PendingDrainer, logger *slog.Logger, config DrainPendingConfig) *DrainPendingJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = 1
	}
	return &DrainPendingJob{
		drainer: drainer,
		logger:  logger.With(slog.String("job", "drain_pending_evaluations")),
		config:  config,
	}
}

// Name returns the job name.
func (j *DrainPendingJob) Name() string { return "drain_pending_evaluations" }

// Description returns a human-readable description.
func (j *DrainPendingJob) Description() string {
	return "Evaluates ladders queued by recent point events"
}

// Run drains full batches until one comes back short.
func (j *DrainPendingJob) Run(ctx context.Context) error {
	var total command.DrainPendingResult
	for batch := 0; batch < j.config.MaxBatches; batch++ {
		res, err := j.drainer.Handle(ctx, command.DrainPendingCommand{Limit: j.config.BatchSize})
		if err != nil {
			return fmt.Errorf("drain batch %d: %w", batch+1, err)
		}
		total.Claimed += res.Claimed
		total.Evaluated += res.Evaluated
		total.Promoted += res.Promoted
		total.Failed += res.Failed
		if res.Claimed < j.config.BatchSize {
			break
		}
	}

	if total.Claimed > 0 {
		j.logger.Info("pending evaluations drained",
			slog.Int("claimed", total.Claimed),
			slog.Int("promoted", total.Promoted),
			slog.Int("failed", total.Failed),
		)
	}
	return nil
}
