package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "secret"

	assert.Equal(t,
		"host=localhost port=5432 dbname=choreboard user=postgres password=secret sslmode=disable connect_timeout=10",
		cfg.DSN())

	cfg.URL = "postgres://u:p@db:5432/points?sslmode=require"
	assert.Equal(t, cfg.URL, cfg.DSN())
}

func TestConfig_PoolConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "postgres://u:p@db:5432/points?sslmode=disable&pool_max_conns=3"
	cfg.MaxConns = 0
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(3), pc.MaxConns, "URL sizing kept when MaxConns is unset")
	assert.Equal(t, int32(1), pc.MinConns)
	assert.Equal(t, 5*time.Minute, pc.MaxConnIdleTime)
	assert.Equal(t, "db", pc.ConnConfig.Host)
	assert.Equal(t, "points", pc.ConnConfig.Database)

	cfg.MaxConns = 12
	pc, err = cfg.PoolConfig()
	require.NoError(t, err)
	assert.Equal(t, int32(12), pc.MaxConns)
}

func TestConfig_PoolConfigRejectsGarbage(t *testing.T) {
	cfg := Config{URL: "postgres://%zz"}
	_, err := cfg.PoolConfig()
	assert.Error(t, err)
}

func TestGetMigrations(t *testing.T) {
	migrations := GetMigrations()
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "versions are contiguous from 1")
		assert.NotEmpty(t, m.Name)
		assert.NotEmpty(t, m.UpSQL, "migration %d up", m.Version)
		assert.NotEmpty(t, m.DownSQL, "migration %d down", m.Version)
	}
	assert.Contains(t, migrations[0].UpSQL, "participants")
	assert.Contains(t, migrations[1].UpSQL, "processed_events")
	assert.Contains(t, migrations[1].UpSQL, "pending_evaluations")
}

func TestErrorClassification(t *testing.T) {
	serialization := &pgconn.PgError{Code: codeSerializationFailure}
	deadlock := &pgconn.PgError{Code: codeDeadlockDetected}
	unique := &pgconn.PgError{Code: codeUniqueViolation}
	wrapped := fmt.Errorf("save participant: %w", serialization)

	assert.True(t, IsTransient(serialization))
	assert.True(t, IsTransient(deadlock))
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(unique))
	assert.False(t, IsTransient(errors.New("boom")))

	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", unique)))
	assert.False(t, IsUniqueViolation(serialization))

	assert.True(t, IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)))
	assert.False(t, IsNoRows(errors.New("boom")))
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil))

	err := translate(fmt.Errorf("claim: %w", &pgconn.PgError{Code: codeLockNotAvailable}))
	assert.ErrorIs(t, err, shared.ErrServiceUnavailable)
	assert.True(t, shared.IsRetryable(err))

	plain := errors.New("syntax error")
	assert.Same(t, plain, translate(plain))
}

func TestIsBackendFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"not found", shared.ErrParticipantNotFound, false},
		{"optimistic lock", fmt.Errorf("save: %w", shared.ErrOptimisticLock), false},
		{"validation", shared.ErrInvalidParticipantID, false},
		{"driver", errors.New("connection reset"), true},
		{"unavailable", shared.ErrServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBackendFailure(tt.err))
		})
	}
}

func TestConnection_ClosedRefusesWork(t *testing.T) {
	conn := &Connection{closed: true}

	assert.ErrorIs(t, conn.Ping(context.Background()), ErrConnectionClosed)
	_, err := conn.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
