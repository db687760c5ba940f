package account

import (
	"sync"
)

// Manager starts one actor per account on first use
type Manager struct {
	opts Options

	mu      sync.Mutex
	actors  map[string]*Actor
	stopped bool
}

// NewManager creates a manager whose actors share opts
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		actors: make(map[string]*Actor),
	}
}

// Get returns the actor for accountID, starting it if needed.
// After Stop, Get returns stopped actors that reject every message.
func (m *Manager) Get(accountID string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.actors[accountID]; ok {
		return a
	}
	a := newActor(accountID, m.opts)
	if m.stopped {
		a.Stop()
		return a
	}
	m.actors[accountID] = a
	return a
}

// Len returns the number of running actors
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Stop stops every actor, waiting for queued messages to drain
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Stop()
		}(a)
	}
	wg.Wait()
}
