package redis

import (
	"context"
	"errors"
	"time"

	"github.com/choreboard/points-engine/internal/application/command"
	"github.com/choreboard/points-engine/internal/application/query"
	"github.com/choreboard/points-engine/internal/domain/shared"
)

// jsonStore is the part of Cache the ladder cache needs.
type jsonStore interface {
	Get(ctx context.Context, key string, dest any) error
	Version(ctx context.Context, versionKey string) (int64, error)
	SetIfVersion(ctx context.Context, versionKey string, version int64, key string, value any, ttl time.Duration) (bool, error)
	BumpVersion(ctx context.Context, versionKey string, ttl time.Duration, keys ...string) error
}

// ══════════════════════════════════════════════════════════════════════════════
// LADDER CACHE
// Read-through cache of query.LadderView, dropped by commands after every
// write that changes a participant's ladder. Each drop bumps a per-participant
// version; a view built from a read that began before the drop is discarded.
// ══════════════════════════════════════════════════════════════════════════════

// LadderCache implements query.LadderCache and command.CacheInvalidator.
type LadderCache struct {
	store jsonStore
	ttl   time.Duration
}

var (
	_ query.LadderCache        = (*LadderCache)(nil)
	_ command.CacheInvalidator = (*LadderCache)(nil)
)

// NewLadderCache creates a ladder cache. A zero ttl uses TTLLadderView.
func NewLadderCache(cache *Cache, ttl time.Duration) *LadderCache {
	return newLadderCache(cache, ttl)
}

func newLadderCache(store jsonStore, ttl time.Duration) *LadderCache {
	if ttl <= 0 {
		ttl = TTLLadderView
	}
	return &LadderCache{store: store, ttl: ttl}
}

// Get returns the cached view, or nil on a miss.
func (c *LadderCache) Get(ctx context.Context, id shared.ParticipantID) (*query.LadderView, error) {
	var view query.LadderView
	err := c.store.Get(ctx, LadderKey(id.String()), &view)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// Generation returns the participant's invalidation counter. Read it before
// loading the participant and hand it to Set.
func (c *LadderCache) Generation(ctx context.Context, id shared.ParticipantID) (int64, error) {
	return c.store.Version(ctx, LadderVersionKey(id.String()))
}

// Set caches view unless the participant was invalidated after generation
// was read; such a view is dropped silently. Views carrying a countdown expire
// at the end of the day they were built.
func (c *LadderCache) Set(ctx context.Context, view *query.LadderView, generation int64) error {
	if view == nil || view.ParticipantID == "" {
		return ErrCacheKeyEmpty
	}
	_, err := c.store.SetIfVersion(ctx, LadderVersionKey(view.ParticipantID), generation,
		LadderKey(view.ParticipantID), view, c.ttlFor(view))
	return err
}

func (c *LadderCache) ttlFor(view *query.LadderView) time.Duration {
	ttl := c.ttl
	if view.DaysLeft == nil || view.GeneratedAt.IsZero() {
		return ttl
	}
	g := view.GeneratedAt
	endOfDay := time.Date(g.Year(), g.Month(), g.Day()+1, 0, 0, 0, 0, g.Location())
	if untilMidnight := endOfDay.Sub(g); untilMidnight > 0 && untilMidnight < ttl {
		ttl = untilMidnight
	}
	return ttl
}

// Invalidate drops the participant's cached view and bumps its generation.
func (c *LadderCache) Invalidate(ctx context.Context, id shared.ParticipantID) error {
	return c.store.BumpVersion(ctx, LadderVersionKey(id.String()), TTLLadderVersion, LadderKey(id.String()))
}
