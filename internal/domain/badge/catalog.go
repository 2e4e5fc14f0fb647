package badge

import (
	"fmt"
	"sort"

	"github.com/choreboard/points-engine/internal/domain/shared"
)

// Set is a set of badge IDs, typically the badges assigned to one participant.
type Set map[ID]struct{}

// NewSet builds a set from ids.
func NewSet(ids ...ID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Catalog is an immutable, validated list of badge definitions. Catalog
// order is significant: it breaks ties between badges of equal threshold.
type Catalog struct {
	badges []Badge
	index  map[ID]int
}

// NewCatalog validates every definition and rejects duplicate IDs.
func NewCatalog(badges []Badge) (*Catalog, error) {
	c := &Catalog{
		badges: make([]Badge, 0, len(badges)),
		index:  make(map[ID]int, len(badges)),
	}
	for _, b := range badges {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[b.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateBadge, b.ID)
		}
		c.index[b.ID] = len(c.badges)
		c.badges = append(c.badges, b)
	}
	return c, nil
}

// Len returns the number of badges.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.badges)
}

// Get looks up a badge by ID.
func (c *Catalog) Get(id ID) (Badge, bool) {
	if c == nil {
		return Badge{}, false
	}
	i, ok := c.index[id]
	if !ok {
		return Badge{}, false
	}
	return c.badges[i], true
}

// Lookup is Get with a structural error for unknown IDs.
func (c *Catalog) Lookup(id ID) (Badge, error) {
	b, ok := c.Get(id)
	if !ok {
		return Badge{}, fmt.Errorf("%w: %s", ErrUnknownBadge, id)
	}
	return b, nil
}

// Badges returns a copy of every definition in catalog order.
func (c *Catalog) Badges() []Badge {
	if c == nil {
		return nil
	}
	out := make([]Badge, len(c.badges))
	copy(out, c.badges)
	return out
}

// AllIDs returns every badge ID.
func (c *Catalog) AllIDs() Set {
	s := make(Set, c.Len())
	for _, b := range c.Badges() {
		s[b.ID] = struct{}{}
	}
	return s
}

// AssignedTo returns the IDs of every badge assigned to participant.
func (c *Catalog) AssignedTo(participant shared.ParticipantID) Set {
	s := make(Set)
	for _, b := range c.Badges() {
		if b.IsAssignedTo(participant) {
			s[b.ID] = struct{}{}
		}
	}
	return s
}

// Ladder returns the assigned cumulative badges ordered by threshold, then
// catalog order. Display rank plays no part, so the ladder agrees with
// EvaluateRank and GetLadderContext on ties.
func (c *Catalog) Ladder(assigned Set) []Badge {
	var out []Badge
	for _, b := range c.Badges() {
		if b.IsCumulative() && assigned.Has(b.ID) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Threshold < out[j].Threshold
	})
	return out
}

// position returns the catalog index of id, or -1.
func (c *Catalog) position(id ID) int {
	if c == nil {
		return -1
	}
	if i, ok := c.index[id]; ok {
		return i
	}
	return -1
}

// Validate re-checks every definition. NewCatalog already does this; it is
// exposed for catalogs assembled by tests and tooling.
func (c *Catalog) Validate() error {
	_, err := NewCatalog(c.Badges())
	return err
}
