package presence

import (
	"sync"
	"time"
)

// State is a user's live connection count and last-seen time.
type State struct {
	Count      int
	LastSeenAt *time.Time
}

// Online reports whether the user has at least one live connection.
func (s State) Online() bool {
	return s.Count > 0
}

// Store holds presence counters. Every method is an atomic read-modify-write
// so a shared backplane can replace the in-memory map without touching callers.
type Store interface {
	// Increment adds a connection and reports whether the user came online.
	Increment(userID string) (State, bool)
	// Decrement removes a connection, flooring at zero, and reports whether the
	// user went offline. Only that transition records at as last seen.
	Decrement(userID string, at time.Time) (State, bool)
	Get(userID string) State
	// SeedLastSeen sets last seen only for users the store knows nothing about.
	SeedLastSeen(userID string, at time.Time) bool
}

// MemoryStore is the single-node Store.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (s *MemoryStore) Increment(userID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.states[userID]
	state.Count++
	s.states[userID] = state
	return state, state.Count == 1
}

func (s *MemoryStore) Decrement(userID string, at time.Time) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[userID]
	if !ok || state.Count == 0 {
		return state, false
	}
	state.Count--
	wentOffline := state.Count == 0
	if wentOffline {
		seen := at
		state.LastSeenAt = &seen
	}
	s.states[userID] = state
	return state, wentOffline
}

func (s *MemoryStore) Get(userID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[userID]
}

func (s *MemoryStore) SeedLastSeen(userID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[userID]; ok {
		return false
	}
	seen := at
	s.states[userID] = State{LastSeenAt: &seen}
	return true
}
