// Package redis implements the Redis side of the engine: a JSON cache client,
// the ladder-view cache and the cross-process participant lock.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/choreboard/points-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration. URL, when set, wins over
// Host/Port/Password/DB.
type Config struct {
	URL string

	Host     string
	Port     int
	Password string
	DB       int

	// KeyPrefix namespaces every key, so several deployments can share a
	// server.
	KeyPrefix string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		KeyPrefix:    "points:",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Options returns go-redis client options.
func (c Config) Options() (*redis.Options, error) {
	opts := &redis.Options{
		Addr:     c.Addr(),
		Password: c.Password,
		DB:       c.DB,
	}
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	}
	opts.PoolSize = c.PoolSize
	opts.MinIdleConns = c.MinIdleConns
	opts.MaxRetries = c.MaxRetries
	opts.DialTimeout = c.DialTimeout
	opts.ReadTimeout = c.ReadTimeout
	opts.WriteTimeout = c.WriteTimeout
	opts.PoolTimeout = c.PoolTimeout
	return opts, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCacheMiss is returned when the requested key is not found in cache.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrCacheConnection is returned when Redis connection fails.
	ErrCacheConnection = errors.New("cache: connection failed")

	// ErrCacheSerialization is returned when serialization/deserialization fails.
	ErrCacheSerialization = errors.New("cache: serialization failed")

	// ErrCacheInvalidTTL is returned when an invalid TTL is provided.
	ErrCacheInvalidTTL = errors.New("cache: invalid TTL")

	// ErrCacheKeyEmpty is returned when an empty key is provided.
	ErrCacheKeyEmpty = errors.New("cache: key cannot be empty")
)

// ══════════════════════════════════════════════════════════════════════════════
// KEYS AND TTLs
// ══════════════════════════════════════════════════════════════════════════════

// Key prefixes, appended to Config.KeyPrefix.
const (
	PrefixLadder        = "ladder:"
	PrefixLadderVersion = "ladder_version:"
	PrefixLock          = "lock:"
)

const (
	// TTLLadderView bounds staleness if an invalidation is lost.
	TTLLadderView = 10 * time.Minute

	// TTLLadderVersion must outlive any read that started before an
	// invalidation.
	TTLLadderVersion = 24 * time.Hour

	// TTLParticipantLock is the default participant lock lease.
	TTLParticipantLock = 30 * time.Second
)

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Cache wraps a go-redis client with JSON values, key namespacing and an
// optional circuit breaker.
type Cache struct {
	client  *redis.Client
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
}

// NewCache connects to Redis and pings it.
func NewCache(ctx context.Context, cfg Config, breaker *circuitbreaker.CircuitBreaker) (*Cache, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrCacheConnection, err)
	}

	return NewCacheFromClient(client, cfg.KeyPrefix, breaker), nil
}

// NewCacheFromClient wraps an existing client.
func NewCacheFromClient(client *redis.Client, prefix string, breaker *circuitbreaker.CircuitBreaker) *Cache {
	return &Cache{client: client, prefix: prefix, breaker: breaker}
}

// Client returns the underlying Redis client.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Key namespaces key with the configured prefix.
func (c *Cache) Key(key string) string {
	return c.prefix + key
}

func (c *Cache) guard(ctx context.Context, op func(ctx context.Context) error) error {
	if c.breaker == nil {
		return op(ctx)
	}
	return c.breaker.Execute(ctx, op)
}

// ══════════════════════════════════════════════════════════════════════════════
// BASIC OPERATIONS
// Keys passed to these methods are unprefixed.
// ══════════════════════════════════════════════════════════════════════════════

// Set stores value as JSON.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}
	if ttl < 0 {
		return ErrCacheInvalidTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return c.guard(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, c.Key(key), data, ttl).Err()
	})
}

// Get decodes the value at key into dest.
// Returns ErrCacheMiss if the key doesn't exist.
func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if key == "" {
		return ErrCacheKeyEmpty
	}

	var data []byte
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, c.Key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}
	return nil
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	return c.guard(ctx, func(ctx context.Context) error {
		return c.client.Del(ctx, full...).Err()
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// LOCK PRIMITIVES
// ══════════════════════════════════════════════════════════════════════════════

// SetNX stores token at key only if the key is absent.
func (c *Cache) SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrCacheKeyEmpty
	}
	if ttl <= 0 {
		return false, ErrCacheInvalidTTL
	}

	var ok bool
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		ok, err = c.client.SetNX(ctx, c.Key(key), token, ttl).Result()
		return err
	})
	return ok, err
}

// compareAndDelete removes key only while it still holds token.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DeleteIfEquals removes key only while it still holds token and reports
// whether it did.
func (c *Cache) DeleteIfEquals(ctx context.Context, key, token string) (bool, error) {
	var n int64
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		n, err = compareAndDelete.Run(ctx, c.client, []string{c.Key(key)}, token).Int64()
		return err
	})
	return n == 1, err
}

// ══════════════════════════════════════════════════════════════════════════════
// VERSIONED WRITES
// A version key counts the invalidations of the value it guards. Readers note
// the version before loading from the store and write back only while it has
// not moved, so a slow reader cannot resurrect an invalidated value.
// ══════════════════════════════════════════════════════════════════════════════

var setIfVersion = redis.NewScript(`
local current = redis.call("GET", KEYS[1]) or "0"
if current ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
return 1
`)

var bumpVersion = redis.NewScript(`
redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
for i = 2, #KEYS do
	redis.call("DEL", KEYS[i])
end
return 1
`)

// Version returns the counter at versionKey, 0 when absent.
func (c *Cache) Version(ctx context.Context, versionKey string) (int64, error) {
	if versionKey == "" {
		return 0, ErrCacheKeyEmpty
	}
	var v int64
	err := c.guard(ctx, func(ctx context.Context) error {
		var err error
		v, err = c.client.Get(ctx, c.Key(versionKey)).Int64()
		if errors.Is(err, redis.Nil) {
			v, err = 0, nil
		}
		return err
	})
	return v, err
}

// SetIfVersion stores value as JSON at key only while versionKey still holds
// version, and reports whether it did.
func (c *Cache) SetIfVersion(ctx context.Context, versionKey string, version int64, key string, value any, ttl time.Duration) (bool, error) {
	if versionKey == "" || key == "" {
		return false, ErrCacheKeyEmpty
	}
	if ttl < time.Millisecond {
		return false, ErrCacheInvalidTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheSerialization, err)
	}

	var n int64
	err = c.guard(ctx, func(ctx context.Context) error {
		var err error
		n, err = setIfVersion.Run(ctx, c.client,
			[]string{c.Key(versionKey), c.Key(key)},
			strconv.FormatInt(version, 10), data, ttl.Milliseconds(),
		).Int64()
		return err
	})
	return n == 1, err
}

// BumpVersion increments versionKey, refreshes its expiry and deletes keys in
// one step.
func (c *Cache) BumpVersion(ctx context.Context, versionKey string, ttl time.Duration, keys ...string) error {
	if versionKey == "" {
		return ErrCacheKeyEmpty
	}
	if ttl < time.Millisecond {
		return ErrCacheInvalidTTL
	}
	full := make([]string, 0, len(keys)+1)
	full = append(full, c.Key(versionKey))
	for _, k := range keys {
		full = append(full, c.Key(k))
	}
	return c.guard(ctx, func(ctx context.Context) error {
		return bumpVersion.Run(ctx, c.client, full, ttl.Milliseconds()).Err()
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPER FUNCTIONS
// ══════════════════════════════════════════════════════════════════════════════

// LadderKey is the cache key of a participant's ladder view.
func LadderKey(participantID string) string {
	return PrefixLadder + participantID
}

// LadderVersionKey counts invalidations of a participant's ladder view.
func LadderVersionKey(participantID string) string {
	return PrefixLadderVersion + participantID
}

// LockKey is the key of a participant lock.
func LockKey(participantID string) string {
	return PrefixLock + participantID
}

// IsBackendFailure reports errors that say something about the server's
// health, for use with circuitbreaker.WithIsFailure. Misses do not.
func IsBackendFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrCacheMiss) && !errors.Is(err, context.Canceled)
}
