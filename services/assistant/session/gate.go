package session

import "sync"

// Gate admits at most one in-flight run per user. Acquisition never
// blocks: a second request while the first is still running is turned
// away so the front end can answer with a busy notice instead of
// queueing work behind a slow model call.
type Gate struct {
	mu   sync.Mutex
	busy map[int64]struct{}
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{busy: make(map[int64]struct{})}
}

// TryAcquire claims the user's slot. It returns false without blocking
// when a run for that user is already in flight.
func (g *Gate) TryAcquire(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.busy[userID]; ok {
		return false
	}
	g.busy[userID] = struct{}{}
	return true
}

// Release frees the user's slot. Releasing an unclaimed slot is a
// no-op.
func (g *Gate) Release(userID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, userID)
}
