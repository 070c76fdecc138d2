// Package store keeps decoded check-ins for the current session and, when a
// database path is configured, journals the raw events behind them.
package store

import (
	"sync"

	"github.com/nostrmeet/nostrmeet/internal/checkin"
)

// Store is an insertion-ordered set of check-ins keyed by event id. It is safe
// for concurrent use.
type Store struct {
	mu    sync.RWMutex
	items []checkin.CheckIn
	index map[string]int
}

// New returns an empty store.
func New() *Store {
	return &Store{index: make(map[string]int)}
}

// Upsert inserts c unless its id is already present. It reports whether the
// check-in was inserted; a repeated id is a no-op.
func (s *Store) Upsert(c checkin.CheckIn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[c.ID]; ok {
		return false
	}
	s.index[c.ID] = len(s.items)
	s.items = append(s.items, c)
	return true
}

// Get returns the check-in stored under id.
func (s *Store) Get(id string) (checkin.CheckIn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return checkin.CheckIn{}, false
	}
	return s.items[i], true
}

// Len returns the number of check-ins.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// All returns a snapshot in insertion order.
func (s *Store) All() []checkin.CheckIn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]checkin.CheckIn, len(s.items))
	copy(out, s.items)
	return out
}

// Each calls fn for every check-in in insertion order until fn returns false.
// fn runs on a snapshot, so it may call back into the store.
func (s *Store) Each(fn func(checkin.CheckIn) bool) {
	for _, c := range s.All() {
		if !fn(c) {
			return
		}
	}
}

// Reset drops every check-in.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.index = make(map[string]int)
}
