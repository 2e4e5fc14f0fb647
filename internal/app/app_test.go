package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/choreboard/points-engine/config"
)

func TestPostgresConfig(t *testing.T) {
	pc := PostgresConfig(config.DatabaseConfig{
		Host:            "db",
		Port:            6432,
		Name:            "points",
		User:            "engine",
		Password:        "pw",
		SSLMode:         "require",
		MaxConns:        25,
		MinConns:        5,
		ConnMaxLifetime: 2 * time.Hour,
	})

	assert.Equal(t, "db", pc.Host)
	assert.Equal(t, 6432, pc.Port)
	assert.Equal(t, "points", pc.Database)
	assert.Equal(t, int32(25), pc.MaxConns)
	assert.Equal(t, int32(5), pc.MinConns)
	assert.Equal(t, 2*time.Hour, pc.MaxConnLifetime)
	assert.Equal(t, 30*time.Minute, pc.MaxConnIdleTime, "unset durations keep the pool default")
	assert.Contains(t, pc.DSN(), "sslmode=require")
}

func TestRedisConfig(t *testing.T) {
	rc := RedisConfig(config.RedisConfig{
		URL:       "redis://cache:6379/2",
		KeyPrefix: "points:",
		PoolSize:  32,
	})

	assert.Equal(t, "redis://cache:6379/2", rc.URL)
	assert.Equal(t, "points:", rc.KeyPrefix)
	assert.Equal(t, 32, rc.PoolSize)
	assert.NotZero(t, rc.DialTimeout)
}

func TestSlogLevel(t *testing.T) {
	cfg := &config.Config{}

	cfg.Observability.LogLevel = "warn"
	assert.Equal(t, slog.LevelWarn, slogLevel(cfg))

	cfg.Observability.LogLevel = "nonsense"
	assert.Equal(t, slog.LevelInfo, slogLevel(cfg))

	cfg.App.Debug = true
	assert.Equal(t, slog.LevelDebug, slogLevel(cfg))
}
