package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/pkg/retry"
)

// lockStore is the part of Cache the locker needs.
type lockStore interface {
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key, token string) (bool, error)
}

// ══════════════════════════════════════════════════════════════════════════════
// PARTICIPANT LOCK
// SET NX PX with a random token; release deletes the key only while it still
// holds that token, so an expired holder can't unlock its successor.
// ══════════════════════════════════════════════════════════════════════════════

// Locker implements participant.Locker on Redis.
type Locker struct {
	store   lockStore
	retrier *retry.Retrier
	logger  *slog.Logger
}

var _ participant.Locker = (*Locker)(nil)

// NewLocker creates a Redis locker. retrier controls how long Lock waits for
// a contended participant; nil uses retry.LockRetrier.
func NewLocker(cache *Cache, retrier *retry.Retrier, logger *slog.Logger) *Locker {
	return newLocker(cache, retrier, logger)
}

func newLocker(store lockStore, retrier *retry.Retrier, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	if retrier == nil {
		retrier = retry.LockRetrier()
	}
	return &Locker{
		store:   store,
		retrier: retrier,
		logger:  logger.With(slog.String("component", "redis_locker")),
	}
}

// Lock acquires the participant's lock. It returns shared.ErrParticipantLocked
// when the lock stays taken for all attempts.
func (l *Locker) Lock(ctx context.Context, id shared.ParticipantID, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = TTLParticipantLock
	}
	key := LockKey(id.String())
	token := uuid.NewString()

	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		ok, err := l.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return retry.Permanent(fmt.Errorf("acquire lock %s: %w", key, err))
		}
		if !ok {
			return retry.Retryable(shared.ErrParticipantLocked)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		// The caller's ctx may already be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		released, err := l.store.DeleteIfEquals(releaseCtx, key, token)
		switch {
		case err != nil:
			l.logger.Warn("failed to release participant lock",
				slog.String("participant_id", id.String()),
				slog.String("error", err.Error()),
			)
		case !released:
			l.logger.Warn("participant lock expired before release",
				slog.String("participant_id", id.String()),
				slog.Duration("ttl", ttl),
			)
		}
	}, nil
}
