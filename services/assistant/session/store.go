package session

import (
	"sync"
	"time"
)

// Store is an in-memory session registry keyed by conversation. It is
// safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	sessions   map[Key]*Session
	maxHistory int
}

// NewStore creates an empty store. maxHistory applies to every session
// it creates; zero means DefaultMaxHistory.
func NewStore(maxHistory int) *Store {
	return &Store{
		sessions:   make(map[Key]*Session),
		maxHistory: maxHistory,
	}
}

// GetOrCreate returns the session for key, creating it on first use.
// created reports whether this call made a new session.
func (st *Store) GetOrCreate(key Key) (s *Session, created bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return s, false
	}
	s = New(key, st.maxHistory)
	st.sessions[key] = s
	return s, true
}

// Reset drops the session for key. The next GetOrCreate starts fresh
// with a new session identity. Resetting an absent key is a no-op.
func (st *Store) Reset(key Key) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, key)
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// EvictIdle drops sessions not updated within maxIdle and returns how
// many were removed.
func (st *Store) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	st.mu.Lock()
	defer st.mu.Unlock()
	evicted := 0
	for key, s := range st.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(st.sessions, key)
			evicted++
		}
	}
	return evicted
}
