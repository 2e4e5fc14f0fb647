package participant

import (
	"context"
	"time"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Repository stores participant aggregates.
type Repository interface {
	// Get returns the participant.
	// Returns shared.ErrParticipantNotFound if there is none.
	Get(ctx context.Context, id shared.ParticipantID) (*Participant, error)

	// Save inserts or updates the participant. An update succeeds only if the
	// stored version still equals p.Version; on success p.Version is bumped.
	// Returns shared.ErrStaleParticipant on a version mismatch.
	Save(ctx context.Context, p *Participant) error

	// ListIDs pages through participant IDs in ascending order, starting
	// after the given ID ("" for the first page).
	ListIDs(ctx context.Context, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error)

	// ListWithBadge is ListIDs restricted to participants holding a badge.
	ListWithBadge(ctx context.Context, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error)
}

// EventLedger remembers which point events were already applied.
type EventLedger interface {
	// MarkProcessed records eventID for the participant. It returns false
	// when the event had been recorded before.
	MarkProcessed(ctx context.Context, id shared.ParticipantID, eventID shared.EventID, at time.Time) (bool, error)
}

// EvaluationQueue is the durable queue of participants whose ladder must be
// re-evaluated. There is at most one pending row per participant.
type EvaluationQueue interface {
	// Enqueue adds or refreshes the pending row; see Debounce for timing.
	Enqueue(ctx context.Context, id shared.ParticipantID, now time.Time, debounce Debounce) error

	// ClaimDue leases up to limit rows due at now. Claimed rows are pushed
	// to now+lease so a crashed worker's rows come back later.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]PendingEvaluation, error)

	// Complete removes the participant's pending row.
	Complete(ctx context.Context, id shared.ParticipantID) error

	// PendingCount returns the queue length.
	PendingCount(ctx context.Context) (int, error)
}

// Store is everything the orchestrator persists, with transactions.
type Store interface {
	Repository
	EventLedger
	EvaluationQueue

	// WithinTx runs fn against a Store bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// ══════════════════════════════════════════════════════════════════════════════
// PENDING EVALUATIONS
// ══════════════════════════════════════════════════════════════════════════════

// PendingEvaluation is one queued ladder evaluation.
type PendingEvaluation struct {
	ParticipantID shared.ParticipantID `json:"participant_id"`
	FirstSeen     time.Time            `json:"first_seen"`
	DueAt         time.Time            `json:"due_at"`
	Attempts      int                  `json:"attempts"`
}

// Debounce collapses bursts of point events into one evaluation. Each event
// pushes the due time to now+Delay, but never past FirstSeen+MaxWait, so a
// steady stream cannot starve the evaluation.
type Debounce struct {
	Delay   time.Duration
	MaxWait time.Duration
}

// DefaultDebounce returns the production debounce timings.
func DefaultDebounce() Debounce {
	return Debounce{Delay: 5 * time.Second, MaxWait: time.Minute}
}

// Due returns the due time of a row first seen at firstSeen and refreshed at now.
func (d Debounce) Due(firstSeen, now time.Time) time.Time {
	due := now.Add(d.Delay)
	if d.MaxWait > 0 {
		if limit := firstSeen.Add(d.MaxWait); due.After(limit) {
			due = limit
		}
	}
	return due
}

// Locker serialises work on a single participant across processes.
type Locker interface {
	// Lock blocks until the participant is locked, ctx ends, or the locker
	// gives up; in the last case it returns shared.ErrParticipantLocked. The
	// lock expires after ttl if unlock is never called.
	Lock(ctx context.Context, id shared.ParticipantID, ttl time.Duration) (unlock func(), err error)
}
