// Package catalog holds the reference table of tradeable items, their values
// and short codes. The table is rebuilt wholesale on every refresh and
// published as an immutable Snapshot behind an atomic pointer, so readers never
// observe a partially built table and never block a refresh.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// UnsetValue is the sentinel the item source uses for "no override value".
const UnsetValue int64 = -1

// ErrSourceUnavailable is returned when a refresh could not fetch entries.
// The previous snapshot stays in place.
var ErrSourceUnavailable = errors.New("catalog source unavailable")

// Entry is one reference item.
type Entry struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Code          string `json:"code,omitempty"`
	PrimaryValue  int64  `json:"primary_value"`
	OverrideValue int64  `json:"override_value,omitempty"`
}

// EffectiveValue returns the override value when one is set, else the primary value.
func EffectiveValue(e Entry) int64 {
	if e.OverrideValue != 0 && e.OverrideValue != UnsetValue {
		return e.OverrideValue
	}
	return e.PrimaryValue
}

// Value is shorthand for EffectiveValue(e).
func (e Entry) Value() int64 { return EffectiveValue(e) }

// Snapshot is one immutable build of the catalog.
type Snapshot struct {
	version    uint64
	builtAt    time.Time
	entries    []Entry        // ascending id
	byName     map[string]int // normalized name -> entries index
	byCode     map[string]int // normalized code -> entries index
	names      []string       // normalized names, lexical order
	codes      []string       // normalized codes, lexical order
	blacklist  map[string]struct{}
	preserved  []string
	collisions int
}

// Version is the refresh counter that produced this snapshot. Zero means empty.
func (s *Snapshot) Version() uint64 { return s.version }

// BuiltAt is when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len is the number of distinct entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Collisions counts entries dropped because their normalized name or code was
// already taken by an entry with a lower id.
func (s *Snapshot) Collisions() int { return s.collisions }

// LookupName finds an entry by already normalized name.
func (s *Snapshot) LookupName(normalized string) (Entry, bool) {
	i, ok := s.byName[normalized]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// LookupCode finds an entry by short code, case-insensitively.
func (s *Snapshot) LookupCode(code string) (Entry, bool) {
	i, ok := s.byCode[NormalizeCode(code)]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Get finds an entry by id.
func (s *Snapshot) Get(id string) (Entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return !lessID(s.entries[i].ID, id) })
	if i < len(s.entries) && s.entries[i].ID == id {
		return s.entries[i], true
	}
	return Entry{}, false
}

// EachName calls fn for every normalized name in lexical order until fn returns false.
func (s *Snapshot) EachName(fn func(normalized string, e Entry) bool) {
	for _, n := range s.names {
		if !fn(n, s.entries[s.byName[n]]) {
			return
		}
	}
}

// EachCode calls fn for every normalized code in lexical order until fn returns false.
func (s *Snapshot) EachCode(fn func(code string, e Entry) bool) {
	for _, c := range s.codes {
		if !fn(c, s.entries[s.byCode[c]]) {
			return
		}
	}
}

// Blacklisted reports whether a code token is suppressed in free-text scans.
func (s *Snapshot) Blacklisted(code string) bool {
	_, ok := s.blacklist[NormalizeCode(code)]
	return ok
}

// Blacklist returns the effective blacklist, sorted.
func (s *Snapshot) Blacklist() []string {
	out := make([]string, 0, len(s.blacklist))
	for tok := range s.blacklist {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Preserved returns base blacklist tokens kept because they are live codes.
func (s *Snapshot) Preserved() []string {
	return append([]string(nil), s.preserved...)
}

// build indexes entries into a new snapshot. The effective blacklist is
// computed here so a snapshot is never visible without its own blacklist.
func build(entries []Entry, base []string, version uint64, now time.Time) *Snapshot {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return lessID(sorted[i].ID, sorted[j].ID) })

	s := &Snapshot{
		version: version,
		builtAt: now,
		entries: make([]Entry, 0, len(sorted)),
		byName:  make(map[string]int, len(sorted)),
		byCode:  make(map[string]int),
	}

	for _, e := range sorted {
		n := Normalize(e.Name)
		if n == "" {
			continue
		}
		if len(s.entries) > 0 && s.entries[len(s.entries)-1].ID == e.ID {
			s.collisions++
			continue
		}
		if _, taken := s.byName[n]; taken {
			s.collisions++
			continue
		}
		idx := len(s.entries)
		s.entries = append(s.entries, e)
		s.byName[n] = idx
		s.names = append(s.names, n)

		if c := NormalizeCode(e.Code); c != "" {
			if _, taken := s.byCode[c]; taken {
				s.collisions++
			} else {
				s.byCode[c] = idx
				s.codes = append(s.codes, c)
			}
		}
	}
	sort.Strings(s.names)
	sort.Strings(s.codes)

	s.blacklist, s.preserved = effectiveBlacklist(base, s.byCode)
	return s
}

// lessID orders numeric ids numerically and falls back to lexical order.
func lessID(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}

// Catalog publishes the current Snapshot.
type Catalog struct {
	cur  atomic.Pointer[Snapshot]
	mu   sync.Mutex // serializes refreshes
	base []string
	now  func() time.Time
}

// New creates an empty catalog. A nil base uses DefaultBlacklist.
func New(base []string) *Catalog {
	if base == nil {
		base = DefaultBlacklist
	}
	c := &Catalog{
		base: append([]string(nil), base...),
		now:  time.Now,
	}
	c.cur.Store(build(nil, c.base, 0, c.now()))
	return c
}

// Snapshot returns the current snapshot. It is never nil.
func (c *Catalog) Snapshot() *Snapshot { return c.cur.Load() }

// Ready reports whether at least one refresh has been applied.
func (c *Catalog) Ready() bool { return c.cur.Load().version > 0 }

// Refresh builds a new snapshot from entries and swaps it in.
func (c *Catalog) Refresh(entries []Entry) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := build(entries, c.base, c.cur.Load().version+1, c.now())
	c.cur.Store(next)
	return next
}

// RefreshFrom fetches entries from src and applies them. On fetch failure the
// current snapshot is kept and the error wraps ErrSourceUnavailable.
func (c *Catalog) RefreshFrom(ctx context.Context, src Source) (*Snapshot, error) {
	entries, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: source returned no entries", ErrSourceUnavailable)
	}
	return c.Refresh(entries), nil
}
