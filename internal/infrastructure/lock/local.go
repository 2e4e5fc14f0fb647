// Package lock provides the in-process participant lock used when Redis is
// disabled (single-instance deployments and tests).
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
)

// LocalLocker implements participant.Locker with one channel-based mutex per
// participant. The ttl is ignored: holders live in this process.
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[shared.ParticipantID]*slot
	maxWait time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ participant.Locker = (*LocalLocker)(nil)

// NewLocalLocker creates a locker. Lock gives up with
// shared.ErrParticipantLocked after maxWait; zero waits until ctx is done.
func NewLocalLocker(maxWait time.Duration) *LocalLocker {
	return &LocalLocker{
		slots:   make(map[shared.ParticipantID]*slot),
		maxWait: maxWait,
	}
}

// Lock implements participant.Locker.
func (l *LocalLocker) Lock(ctx context.Context, id shared.ParticipantID, _ time.Duration) (func(), error) {
	s := l.acquireSlot(id)

	var timeout <-chan time.Time
	if l.maxWait > 0 {
		timer := time.NewTimer(l.maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(id)
		return nil, ctx.Err()
	case <-timeout:
		l.releaseSlot(id)
		return nil, shared.ErrParticipantLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(id)
		})
	}, nil
}

// Held returns how many participants currently have holders or waiters.
func (l *LocalLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *LocalLocker) acquireSlot(id shared.ParticipantID) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) releaseSlot(id shared.ParticipantID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slots[id]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}
