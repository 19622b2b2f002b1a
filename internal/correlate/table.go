// Package correlate pairs out-of-band lookup replies with the requests that
// caused them.
//
// Requests wait in per-lane FIFO lists. A lane is a destination queue plus a
// lookup strategy. A reply is matched by attribute when it carries a subject
// key and by position otherwise. Whichever caller removes an entry owns it;
// every entry is removed exactly once.
package correlate

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyPending is returned when a subject already has a pending entry.
var ErrAlreadyPending = errors.New("subject already pending")

// Lane identifies one FIFO list.
type Lane struct {
	Queue    string `json:"queue"`
	Strategy string `json:"strategy"`
}

func (l Lane) String() string { return l.Queue + "/" + l.Strategy }

// Entry is a pending request. Value carries the caller's flow state.
type Entry[T any] struct {
	SubjectID    string
	Lane         Lane
	DispatchedAt time.Time
	Value        T
}

// LaneStat is the depth of one lane.
type LaneStat struct {
	Lane    Lane `json:"lane"`
	Pending int  `json:"pending"`
}

// Table holds pending entries. It is safe for concurrent use.
type Table[T any] struct {
	mu      sync.Mutex
	lanes   map[Lane][]*Entry[T]
	subject map[string]*Entry[T] // every entry in lanes or bound
	bound   map[string]*Entry[T] // reply id -> entry awaiting a reply edit
	now     func() time.Time
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{
		lanes:   make(map[Lane][]*Entry[T]),
		subject: make(map[string]*Entry[T]),
		bound:   make(map[string]*Entry[T]),
		now:     time.Now,
	}
}

// Enqueue appends a pending entry to the tail of lane.
func (t *Table[T]) Enqueue(lane Lane, subjectID string, value T) (*Entry[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subject[subjectID]; ok {
		return nil, ErrAlreadyPending
	}
	e := &Entry[T]{SubjectID: subjectID, Lane: lane, DispatchedAt: t.now(), Value: value}
	t.lanes[lane] = append(t.lanes[lane], e)
	t.subject[subjectID] = e
	return e, nil
}

// DequeueByAttribute removes and returns the oldest entry in lane for which
// match returns true.
func (t *Table[T]) DequeueByAttribute(lane Lane, match func(*Entry[T]) bool) (*Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.lanes[lane] {
		if match(e) {
			t.removeAt(lane, i)
			delete(t.subject, e.SubjectID)
			return e, true
		}
	}
	return nil, false
}

// DequeueFIFO removes and returns the oldest entry in lane.
func (t *Table[T]) DequeueFIFO(lane Lane) (*Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.lanes[lane]
	if len(q) == 0 {
		return nil, false
	}
	e := q[0]
	t.removeAt(lane, 0)
	delete(t.subject, e.SubjectID)
	return e, true
}

// Remove drops the entry for subjectID wherever it is.
func (t *Table[T]) Remove(subjectID string) (*Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.subject[subjectID]
	if !ok {
		return nil, false
	}
	t.drop(e)
	return e, true
}

// RemoveEntry drops e only while it still waits in its lane. It reports
// false once a reply dequeued or bound e, or e was expired, even when a later
// entry for the same subject is pending.
func (t *Table[T]) RemoveEntry(e *Entry[T]) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, q := range t.lanes[e.Lane] {
		if q == e {
			t.removeAt(e.Lane, i)
			if t.subject[e.SubjectID] == e {
				delete(t.subject, e.SubjectID)
			}
			return true
		}
	}
	return false
}

// Get returns the pending entry for subjectID without removing it.
func (t *Table[T]) Get(subjectID string) (Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.subject[subjectID]
	if !ok {
		return Entry[T]{}, false
	}
	return *e, true
}

// Bind parks an entry removed from its lane under a reply id until the reply
// is edited with its final content. The entry counts as pending again.
func (t *Table[T]) Bind(replyID string, e *Entry[T]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subject[e.SubjectID]; ok {
		return ErrAlreadyPending
	}
	if _, ok := t.bound[replyID]; ok {
		return ErrAlreadyPending
	}
	t.bound[replyID] = e
	t.subject[e.SubjectID] = e
	return nil
}

// TakeBound removes and returns the entry bound to replyID.
func (t *Table[T]) TakeBound(replyID string) (*Entry[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.bound[replyID]
	if !ok {
		return nil, false
	}
	delete(t.bound, replyID)
	delete(t.subject, e.SubjectID)
	return e, true
}

// Expire removes and returns every entry dispatched before cutoff, oldest
// first, including bound entries.
func (t *Table[T]) Expire(cutoff time.Time) []*Entry[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Entry[T]
	for _, e := range t.subject {
		if e.DispatchedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	for _, e := range out {
		t.drop(e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(out[j].DispatchedAt) })
	return out
}

// Len is the number of pending entries, bound ones included.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subject)
}

// Bound is the number of entries waiting for a reply edit.
func (t *Table[T]) Bound() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bound)
}

// Lanes reports the depth of every non-empty lane, sorted by lane.
func (t *Table[T]) Lanes() []LaneStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]LaneStat, 0, len(t.lanes))
	for l, q := range t.lanes {
		out = append(out, LaneStat{Lane: l, Pending: len(q)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Lane.Queue != out[j].Lane.Queue {
			return out[i].Lane.Queue < out[j].Lane.Queue
		}
		return out[i].Lane.Strategy < out[j].Lane.Strategy
	})
	return out
}

// drop removes e from whichever structure holds it. Caller holds mu.
func (t *Table[T]) drop(e *Entry[T]) {
	delete(t.subject, e.SubjectID)
	for id, b := range t.bound {
		if b == e {
			delete(t.bound, id)
			return
		}
	}
	for i, q := range t.lanes[e.Lane] {
		if q == e {
			t.removeAt(e.Lane, i)
			return
		}
	}
}

// removeAt deletes index i of lane and drops empty lanes. Caller holds mu.
func (t *Table[T]) removeAt(lane Lane, i int) {
	q := t.lanes[lane]
	copy(q[i:], q[i+1:])
	q[len(q)-1] = nil
	q = q[:len(q)-1]
	if len(q) == 0 {
		delete(t.lanes, lane)
		return
	}
	t.lanes[lane] = q
}
