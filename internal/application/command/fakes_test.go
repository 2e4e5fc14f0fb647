package command

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/choreboard/points-engine/internal/domain/badge"
	"github.com/choreboard/points-engine/internal/domain/participant"
	"github.com/choreboard/points-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY STORE
// ══════════════════════════════════════════════════════════════════════════════

type memState struct {
	participants map[shared.ParticipantID][]byte
	versions     map[shared.ParticipantID]int64
	processed    map[string]time.Time
	pending      map[shared.ParticipantID]participant.PendingEvaluation
}

func (s *memState) clone() *memState {
	out := &memState{
		participants: make(map[shared.ParticipantID][]byte, len(s.participants)),
		versions:     make(map[shared.ParticipantID]int64, len(s.versions)),
		processed:    make(map[string]time.Time, len(s.processed)),
		pending:      make(map[shared.ParticipantID]participant.PendingEvaluation, len(s.pending)),
	}
	for k, v := range s.participants {
		out.participants[k] = v
	}
	for k, v := range s.versions {
		out.versions[k] = v
	}
	for k, v := range s.processed {
		out.processed[k] = v
	}
	for k, v := range s.pending {
		out.pending[k] = v
	}
	return out
}

// memStore keeps participants as JSON so loaded aggregates never alias the
// stored copy. WithinTx works on a snapshot that replaces the state only on
// commit.
type memStore struct {
	mu    *sync.Mutex
	state *memState
	root  *memStore

	failSave  error
	failList  error
	saveCalls int
}

func newMemStore() *memStore {
	return &memStore{
		mu: &sync.Mutex{},
		state: &memState{
			participants: map[shared.ParticipantID][]byte{},
			versions:     map[shared.ParticipantID]int64{},
			processed:    map[string]time.Time{},
			pending:      map[shared.ParticipantID]participant.PendingEvaluation{},
		},
	}
}

func (s *memStore) lock() func() {
	if s.root != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) Get(_ context.Context, id shared.ParticipantID) (*participant.Participant, error) {
	defer s.lock()()
	raw, ok := s.state.participants[id]
	if !ok {
		return nil, shared.ErrParticipantNotFound
	}
	var p participant.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	p.Version = s.state.versions[id]
	return &p, nil
}

func (s *memStore) Save(_ context.Context, p *participant.Participant) error {
	defer s.lock()()
	root := s
	if s.root != nil {
		root = s.root
	}
	root.saveCalls++
	if root.failSave != nil {
		return root.failSave
	}
	if s.state.versions[p.ID] != p.Version {
		return shared.ErrStaleParticipant
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	p.Version++
	s.state.participants[p.ID] = raw
	s.state.versions[p.ID] = p.Version
	return nil
}

func (s *memStore) list(after shared.ParticipantID, limit int, keep func(*participant.Participant) bool) ([]shared.ParticipantID, error) {
	defer s.lock()()
	if s.failList != nil {
		return nil, s.failList
	}
	ids := make([]shared.ParticipantID, 0, len(s.state.participants))
	for id, raw := range s.state.participants {
		if id <= after {
			continue
		}
		var p participant.Participant
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if keep(&p) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) ListIDs(_ context.Context, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error) {
	return s.list(after, limit, func(*participant.Participant) bool { return true })
}

func (s *memStore) ListWithBadge(_ context.Context, after shared.ParticipantID, limit int) ([]shared.ParticipantID, error) {
	return s.list(after, limit, func(p *participant.Participant) bool { return p.Ladder.CurrentBadgeID != nil })
}

func (s *memStore) MarkProcessed(_ context.Context, id shared.ParticipantID, eventID shared.EventID, at time.Time) (bool, error) {
	defer s.lock()()
	key := id.String() + "/" + eventID.String()
	if _, ok := s.state.processed[key]; ok {
		return false, nil
	}
	s.state.processed[key] = at
	return true, nil
}

func (s *memStore) Enqueue(_ context.Context, id shared.ParticipantID, now time.Time, debounce participant.Debounce) error {
	defer s.lock()()
	row, ok := s.state.pending[id]
	if !ok {
		row = participant.PendingEvaluation{ParticipantID: id, FirstSeen: now}
	}
	row.DueAt = debounce.Due(row.FirstSeen, now)
	s.state.pending[id] = row
	return nil
}

func (s *memStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]participant.PendingEvaluation, error) {
	defer s.lock()()
	var due []participant.PendingEvaluation
	for id, row := range s.state.pending {
		if row.DueAt.After(now) {
			continue
		}
		row.Attempts++
		row.DueAt = now.Add(lease)
		s.state.pending[id] = row
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ParticipantID < due[j].ParticipantID })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *memStore) Complete(_ context.Context, id shared.ParticipantID) error {
	defer s.lock()()
	delete(s.state.pending, id)
	return nil
}

func (s *memStore) PendingCount(_ context.Context) (int, error) {
	defer s.lock()()
	return len(s.state.pending), nil
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx participant.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memStore{mu: s.mu, state: s.state.clone(), root: s}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *memStore) put(t *testing.T, p *participant.Participant) {
	t.Helper()
	p.Version = 0
	delete(s.state.versions, p.ID)
	require.NoError(t, s.Save(context.Background(), p))
}

func (s *memStore) load(t *testing.T, id shared.ParticipantID) *participant.Participant {
	t.Helper()
	p, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (s *memStore) pendingRow(id shared.ParticipantID) (participant.PendingEvaluation, bool) {
	defer s.lock()()
	row, ok := s.state.pending[id]
	return row, ok
}

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ══════════════════════════════════════════════════════════════════════════════

type fakeLocker struct {
	mu     sync.Mutex
	held   map[shared.ParticipantID]bool
	calls  int
	failOn shared.ParticipantID
}

func (l *fakeLocker) Lock(_ context.Context, id shared.ParticipantID, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if id == l.failOn {
		return nil, shared.ErrParticipantLocked
	}
	if l.held == nil {
		l.held = map[shared.ParticipantID]bool{}
	}
	if l.held[id] {
		return nil, shared.ErrParticipantLocked
	}
	l.held[id] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, id)
	}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *fakePublisher) Publish(event shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) ofType(t shared.EventType) []shared.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.Event
	for _, e := range p.events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []shared.ParticipantID
}

func (c *fakeCache) Invalidate(_ context.Context, id shared.ParticipantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, id)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CATALOG
// ══════════════════════════════════════════════════════════════════════════════

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

// metalsCatalog is bronze 500, silver 2500 (x1.5, keep 300 per 30 days, 7
// days grace) and gold 5000, assigned to everyone.
func metalsCatalog(t *testing.T) *badge.Catalog {
	t.Helper()
	everyone := []shared.ParticipantID{badge.AssignEveryone}
	c, err := badge.NewCatalog([]badge.Badge{
		{ID: "bronze", Rank: 1, Threshold: 500, Type: badge.TypeCumulative, Assigned: everyone, Multiplier: 1},
		{
			ID: "silver", Rank: 2, Threshold: 2500, Type: badge.TypeCumulative, Assigned: everyone, Multiplier: 1.5,
			MaintenanceRequirement: floatPtr(300), WindowLength: intPtr(30), GraceLength: intPtr(7),
		},
		{ID: "gold", Rank: 3, Threshold: 5000, Type: badge.TypeCumulative, Assigned: everyone, Multiplier: 2},
	})
	require.NoError(t, err)
	return c
}
