package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
	"github.com/choreboard/points-engine/pkg/circuitbreaker"
	"github.com/choreboard/points-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PARTICIPANT STORE
// Implements participant.Store: aggregates, the processed-event ledger and the
// pending-evaluation queue, all on one connection so they share transactions.
// ══════════════════════════════════════════════════════════════════════════════

// ParticipantStore implements participant.Store for PostgreSQL.
type ParticipantStore struct {
	conn    *Connection
	q       Querier
	inTx    bool
	retrier *retry.Retrier
	breaker *circuitbreaker.CircuitBreaker
}

// NewParticipantStore creates a new store. Calls made outside a transaction
// are retried on transient errors and guarded by breaker (nil disables it).
// The breaker should be built WithIsFailure(IsBackendFailure).
func NewParticipantStore(conn *Connection, breaker *circuitbreaker.CircuitBreaker) *ParticipantStore {
	return &ParticipantStore{
		conn:    conn,
		q:       conn,
		retrier: retry.DatabaseRetrier(retry.WithRetryIf(shared.IsRetryable)),
		breaker: breaker,
	}
}

var _ participant.Store = (*ParticipantStore)(nil)

// IsBackendFailure reports errors that say something about the database's
// health. Missing rows, version conflicts and bad input do not.
func IsBackendFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !shared.IsNotFound(err) && !shared.IsConflict(err) && !shared.IsValidation(err)
}

// run executes op with retries and the breaker, except inside a transaction
// where a retry would replay half a unit of work.
func (s *ParticipantStore) run(ctx context.Context, op func(ctx context.Context) error) error {
	if s.inTx {
		return retry.Cause(translate(op(ctx)))
	}
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.guard(ctx, func(ctx context.Context) error {
			return translate(op(ctx))
		})
	})
}

func (s *ParticipantStore) guard(ctx context.Context, op func(ctx context.Context) error) error {
	if s.breaker == nil {
		return op(ctx)
	}
	err := s.breaker.Execute(ctx, op)
	if circuitbreaker.IsOpenError(err) {
		return fmt.Errorf("%w: %v", shared.ErrServiceUnavailable, err)
	}
	return err
}

// WithinTx runs fn in a read-committed transaction. Nested calls reuse the
// outer transaction.
func (s *ParticipantStore) WithinTx(ctx context.Context, fn func(tx participant.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.guard(ctx, func(ctx context.Context) error {
		return s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			return fn(&ParticipantStore{
				conn:    s.conn,
				q:       tx,
				inTx:    true,
				retrier: s.retrier,
				breaker: s.breaker,
			})
		})
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository
// ─────────────────────────────────────────────────────────────────────────────

// Get returns a participant. Inside a transaction the row is locked until
// commit.
func (s *ParticipantStore) Get(ctx context.Context, id shared.ParticipantID) (*participant.Participant, error) {
	query := `
		SELECT id, stats, streaks, ladder, version, created_at, updated_at
		FROM participants
		WHERE id = $1
	`
	if s.inTx {
		query += " FOR UPDATE"
	}

	var p *participant.Participant
	err := s.run(ctx, func(ctx context.Context) error {
		var scanErr error
		p, scanErr = scanParticipant(s.q.QueryRow(ctx, query, id.String()))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func scanParticipant(row pgx.Row) (*participant.Participant, error) {
	var (
		id                          string
		statsJSON, streaksJSON, lad []byte
		p                           participant.Participant
	)
	err := row.Scan(&id, &statsJSON, &streaksJSON, &lad, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if IsNoRows(err) {
			return nil, retry.Permanent(shared.ErrParticipantNotFound)
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}

	p.ID = shared.ParticipantID(id)
	if err := json.Unmarshal(statsJSON, &p.Stats); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode stats of %s: %w", id, err))
	}
	if err := json.Unmarshal(streaksJSON, &p.Streaks); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode streaks of %s: %w", id, err))
	}
	if err := json.Unmarshal(lad, &p.Ladder); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode ladder of %s: %w", id, err))
	}
	return &p, nil
}

// Save inserts a new participant (Version 0) or updates an existing one if
// its stored version is unchanged.
func (s *ParticipantStore) Save(ctx context.Context, p *participant.Participant) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("save participant: %w", err)
	}

	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	streaksJSON, err := json.Marshal(p.Streaks)
	if err != nil {
		return fmt.Errorf("encode streaks: %w", err)
	}
	ladderJSON, err := json.Marshal(p.Ladder)
	if err != nil {
		return fmt.Errorf("encode ladder: %w", err)
	}

	var currentBadge *string
	if p.Ladder.CurrentBadgeID != nil {
		b := p.Ladder.CurrentBadgeID.String()
		currentBadge = &b
	}

	insert := `
		INSERT INTO participants (
			id, stats, streaks, ladder, lifetime_total, current_badge_id,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	update := `
		UPDATE participants SET
			stats = $2,
			streaks = $3,
			ladder = $4,
			lifetime_total = $5,
			current_badge_id = $6,
			version = version + 1,
			updated_at = $8
		WHERE id = $1 AND version = $9
	`

	return s.run(ctx, func(ctx context.Context) error {
		query, args := update, []any{
			p.ID.String(), statsJSON, streaksJSON, ladderJSON, p.LifetimeTotal(), currentBadge,
			p.CreatedAt, p.UpdatedAt, p.Version,
		}
		if p.Version == 0 {
			query, args = insert, args[:8]
		}

		tag, err := s.q.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("save participant %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return retry.Permanent(shared.ErrStaleParticipant)
		}
		p.Version++
		return nil
	})
}

// ListIDs pages through participant IDs in ascending order.
func (s *ParticipantStore) ListIDs(ctx context.Context, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error) {
	return s.listIDs(ctx, `
		SELECT id FROM participants
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, after, limit)
}

// ListWithBadge pages through participants that hold a badge.
func (s *ParticipantStore) ListWithBadge(ctx context.Context, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error) {
	return s.listIDs(ctx, `
		SELECT id FROM participants
		WHERE id > $1 AND current_badge_id IS NOT NULL
		ORDER BY id
		LIMIT $2
	`, after, limit)
}

func (s *ParticipantStore) listIDs(ctx context.Context, query string, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error) {
	var ids []shared.ParticipantID
	err := s.run(ctx, func(ctx context.Context) error {
		rows, err := s.q.Query(ctx, query, after.String(), limit)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan participant id: %w", err)
			}
			ids = append(ids, shared.ParticipantID(id))
		}
		return rows.Err()
	})
	return ids, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Processed-event ledger
// ─────────────────────────────────────────────────────────────────────────────

// MarkProcessed records eventID; false means it was already there.
func (s *ParticipantStore) MarkProcessed(ctx context.Context, id shared.ParticipantID, eventID shared.EventID, at time.Time) (bool, error) {
	var fresh bool
	err := s.run(ctx, func(ctx context.Context) error {
		tag, err := s.q.Exec(ctx, `
			INSERT INTO processed_events (participant_id, event_id, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (participant_id, event_id) DO NOTHING
		`, id.String(), eventID.String(), at)
		if err != nil {
			return fmt.Errorf("mark event processed: %w", err)
		}
		fresh = tag.RowsAffected() == 1
		return nil
	})
	return fresh, err
}

// PurgeProcessedEvents forgets ledger entries older than before.
func (s *ParticipantStore) PurgeProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.run(ctx, func(ctx context.Context) error {
		tag, err := s.q.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before)
		if err != nil {
			return fmt.Errorf("purge processed events: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// ─────────────────────────────────────────────────────────────────────────────
// Pending-evaluation queue
// ─────────────────────────────────────────────────────────────────────────────

// Enqueue inserts the participant's row or pushes its due time out, capped
// at first_seen + MaxWait.
func (s *ParticipantStore) Enqueue(ctx context.Context, id shared.ParticipantID, now time.Time, debounce participant.Debounce) error {
	return s.run(ctx, func(ctx context.Context) error {
		_, err := s.q.Exec(ctx, `
			INSERT INTO pending_evaluations (participant_id, first_seen, due_at, attempts, updated_at)
			VALUES ($1, $2, $5, 0, $2)
			ON CONFLICT (participant_id) DO UPDATE SET
				due_at = CASE
					WHEN $4::double precision > 0
						THEN LEAST($3, pending_evaluations.first_seen + make_interval(secs => $4::double precision))
					ELSE $3
				END,
				updated_at = $2
		`, id.String(), now, now.Add(debounce.Delay), debounce.MaxWait.Seconds(), debounce.Due(now, now))
		if err != nil {
			return fmt.Errorf("enqueue evaluation: %w", err)
		}
		return nil
	})
}

// ClaimDue leases due rows with SKIP LOCKED so concurrent workers split the
// queue instead of blocking on each other.
func (s *ParticipantStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]participant.PendingEvaluation, error) {
	var claimed []participant.PendingEvaluation
	err := s.run(ctx, func(ctx context.Context) error {
		rows, err := s.q.Query(ctx, `
			UPDATE pending_evaluations SET
				due_at = $2,
				attempts = attempts + 1,
				updated_at = $1
			WHERE participant_id IN (
				SELECT participant_id FROM pending_evaluations
				WHERE due_at <= $1
				ORDER BY due_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING participant_id, first_seen, due_at, attempts
		`, now, now.Add(lease), limit)
		if err != nil {
			return fmt.Errorf("claim due evaluations: %w", err)
		}
		defer rows.Close()

		claimed = claimed[:0]
		for rows.Next() {
			var row participant.PendingEvaluation
			var id string
			if err := rows.Scan(&id, &row.FirstSeen, &row.DueAt, &row.Attempts); err != nil {
				return fmt.Errorf("scan pending evaluation: %w", err)
			}
			row.ParticipantID = shared.ParticipantID(id)
			claimed = append(claimed, row)
		}
		return rows.Err()
	})
	return claimed, err
}

// Complete removes the participant's pending row.
func (s *ParticipantStore) Complete(ctx context.Context, id shared.ParticipantID) error {
	return s.run(ctx, func(ctx context.Context) error {
		if _, err := s.q.Exec(ctx, `DELETE FROM pending_evaluations WHERE participant_id = $1`, id.String()); err != nil {
			return fmt.Errorf("complete evaluation: %w", err)
		}
		return nil
	})
}

// PendingCount returns the queue length.
func (s *ParticipantStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, func(ctx context.Context) error {
		return s.q.QueryRow(ctx, `SELECT count(*) FROM pending_evaluations`).Scan(&n)
	})
	return n, err
}
