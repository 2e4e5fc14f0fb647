package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DRAIN PENDING EVALUATIONS COMMAND
// Claims due rows of the evaluation queue and evaluates each participant.
// ══════════════════════════════════════════════════════════════════════════════

// DrainPendingCommand drains due pending evaluations.
type DrainPendingCommand struct {
	// Now overrides the clock when deciding which rows are due.
	Now time.Time

	// Limit caps how many rows are claimed (0 means the handler default).
	Limit int
}

// DrainPendingResult summarises a drain.
type DrainPendingResult struct {
	Claimed   int
	Evaluated int
	Promoted  int
	Failed    int
}

// DrainPendingHandlerConfig contains configuration for the handler.
type DrainPendingHandlerConfig struct {
	// Limit is the default batch size.
	Limit int

	// Concurrency bounds parallel evaluations.
	Concurrency int

	// Lease hides claimed rows from other workers. A row whose evaluation
	// fails reappears once the lease runs out.
	Lease time.Duration
}

// DefaultDrainPendingHandlerConfig returns default configuration.
func DefaultDrainPendingHandlerConfig() DrainPendingHandlerConfig {
	return DrainPendingHandlerConfig{
		Limit:       200,
		Concurrency: 8,
		Lease:       2 * time.Minute,
	}
}

// DrainPendingHandler handles the DrainPendingCommand.
type DrainPendingHandler struct {
	queue    participant.EvaluationQueue
	evaluate *EvaluateLadderHandler
	clock    timeutil.Clock
	logger   *slog.Logger
	config   DrainPendingHandlerConfig
}

// NewDrainPendingHandler creates a new DrainPendingHandler.
func NewDrainPendingHandler(
	queue participant.EvaluationQueue,
	evaluate *EvaluateLadderHandler,
	clock timeutil.Clock,
	logger *slog.Logger,
	config DrainPendingHandlerConfig,
) *DrainPendingHandler {
	if config.Limit <= 0 {
		config.Limit = 200
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Lease <= 0 {
		config.Lease = 2 * time.Minute
	}
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DrainPendingHandler{
		queue:    queue,
		evaluate: evaluate,
		clock:    clock,
		logger:   logger.With(slog.String("handler", "drain_pending")),
		config:   config,
	}
}

// Handle claims due rows and evaluates them. Failed evaluations stay queued.
func (h *DrainPendingHandler) Handle(ctx context.Context, cmd DrainPendingCommand) (*DrainPendingResult, error) {
	now := cmd.Now
	if now.IsZero() {
		now = h.clock.Now()
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = h.config.Limit
	}

	due, err := h.queue.ClaimDue(ctx, now, limit, h.config.Lease)
	if err != nil {
		return nil, fmt.Errorf("drain_pending: claim due: %w", err)
	}

	result := &DrainPendingResult{Claimed: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.Concurrency)

	for _, row := range due {
		row := row
		g.Go(func() error {
			res, err := h.evaluate.Handle(gctx, EvaluateLadderCommand{
				ParticipantID: row.ParticipantID.String(),
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				result.Failed++
				h.logger.Warn("pending evaluation failed",
					slog.String("participant_id", row.ParticipantID.String()),
					slog.Int("attempts", row.Attempts),
					slog.String("error", err.Error()),
				)
				return nil
			}
			result.Evaluated++
			if res.Promoted {
				result.Promoted++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("drain_pending: %w", err)
	}

	h.logger.Debug("pending evaluations drained",
		slog.Int("claimed", result.Claimed),
		slog.Int("evaluated", result.Evaluated),
		slog.Int("promoted", result.Promoted),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}
