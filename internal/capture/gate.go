package capture

import "sync"

// Gate admits at most one capture at a time. Every Session created for one
// engine shares the same Gate.
type Gate struct {
	mu   sync.Mutex
	held bool
}

// NewGate creates an open gate
func NewGate() *Gate {
	return &Gate{}
}

// TryAcquire claims the gate without blocking
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		return false
	}
	g.held = true
	return true
}

// Release frees the gate. Releasing an open gate is a no-op.
func (g *Gate) Release() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

// Held reports whether a capture currently owns the gate
func (g *Gate) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
