// Package ledger records which subjects and external ids were already
// handled, so no subject is processed twice and no external id is alerted
// twice. It only grows during a run.
package ledger

import "sync"

// Admission is the result of Admit.
type Admission int

const (
	// Admitted means the caller now owns the subject until MarkHandled.
	Admitted Admission = iota
	// AlreadyHandled means the subject reached a terminal state before.
	AlreadyHandled
	// InFlight means another task owns the subject.
	InFlight
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyHandled:
		return "already_handled"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// SubjectStatus describes what the ledger knows about a subject.
type SubjectStatus string

const (
	StatusUnknown  SubjectStatus = "unknown"
	StatusInFlight SubjectStatus = "in_flight"
	StatusHandled  SubjectStatus = "handled"
)

// Stats is a point-in-time count of ledger sets.
type Stats struct {
	Handled  int `json:"handled"`
	InFlight int `json:"in_flight"`
	Alerted  int `json:"alerted"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	handled  map[string]struct{}
	inFlight map[string]struct{}
	alerted  map[string]struct{}
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		handled:  make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
		alerted:  make(map[string]struct{}),
	}
}

// Admit checks and claims a subject in one step. Two concurrent calls for
// the same subject never both return Admitted.
func (l *Ledger) Admit(subjectID string) Admission {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handled[subjectID]; ok {
		return AlreadyHandled
	}
	if _, ok := l.inFlight[subjectID]; ok {
		return InFlight
	}
	l.inFlight[subjectID] = struct{}{}
	return Admitted
}

// MarkHandled moves a subject from in-flight to handled.
func (l *Ledger) MarkHandled(subjectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.inFlight, subjectID)
	l.handled[subjectID] = struct{}{}
}

// Status reports what is known about subjectID.
func (l *Ledger) Status(subjectID string) SubjectStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.handled[subjectID]; ok {
		return StatusHandled
	}
	if _, ok := l.inFlight[subjectID]; ok {
		return StatusInFlight
	}
	return StatusUnknown
}

// IsAlerted reports whether externalID was already alerted on.
func (l *Ledger) IsAlerted(externalID string) bool {
	if externalID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.alerted[externalID]
	return ok
}

// ClaimAlert records externalID as alerted and reports whether this call
// did so. Only the caller that gets true may emit. An empty id is always
// claimable.
func (l *Ledger) ClaimAlert(externalID string) bool {
	if externalID == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.alerted[externalID]; ok {
		return false
	}
	l.alerted[externalID] = struct{}{}
	return true
}

// CommitExternal records externalID without the claim semantics. Terminal
// transitions call it for every resolved id, alerted or not.
func (l *Ledger) CommitExternal(externalID string) {
	if externalID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerted[externalID] = struct{}{}
}

// SeedSubjects marks subjects as handled. It returns how many were new.
func (l *Ledger) SeedSubjects(ids ...string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return seed(l.handled, ids)
}

// SeedExternalIDs marks external ids as alerted. It returns how many were new.
func (l *Ledger) SeedExternalIDs(ids ...string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return seed(l.alerted, ids)
}

// Stats returns the current set sizes.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Handled: len(l.handled), InFlight: len(l.inFlight), Alerted: len(l.alerted)}
}

func seed(set map[string]struct{}, ids []string) int {
	n := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		n++
	}
	return n
}
