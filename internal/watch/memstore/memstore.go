// Package memstore provides an in-memory implementation of watch.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/tradewatch/internal/watch"
)

// Store holds resolutions in memory. Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	results   map[string]*watch.Resolution // run ID -> resolution
	bySubject map[string]string            // subject ID -> latest run ID
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		results:   make(map[string]*watch.Resolution),
		bySubject: make(map[string]string),
	}
}

// Get retrieves a resolution by run ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*watch.Resolution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// GetBySubject retrieves the latest resolution for a subject. Returns a copy.
func (s *Store) GetBySubject(_ context.Context, subjectID string) (*watch.Resolution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubject[subjectID]
	if !ok {
		return nil, false, nil
	}
	return s.results[id].Clone(), true, nil
}

// Put stores a copy of the resolution.
func (s *Store) Put(_ context.Context, r *watch.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ID] = r.Clone()
	if prev, ok := s.bySubject[r.SubjectID]; !ok || !s.results[prev].CreatedAt.After(r.CreatedAt) {
		s.bySubject[r.SubjectID] = r.ID
	}
	return nil
}

// Recent returns terminal resolutions completed after since, newest first.
// A limit of zero or less means no limit.
func (s *Store) Recent(_ context.Context, since time.Time, limit int) ([]*watch.Resolution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*watch.Resolution
	for _, r := range s.results {
		if r.State == watch.StateTerminal && r.CompletedAt.After(since) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
