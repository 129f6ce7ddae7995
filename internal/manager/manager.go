// Package manager owns the process-wide state shared across sessions: the
// live session set and the "accepting new connections" flag used during
// graceful shutdown.
package manager

import (
	"sync"

	"github.com/anicolao/mudportal/internal/session"
)

// Manager is a sync.RWMutex-guarded registry of live sessions, the shape
// grounded on a classic Go session registry: a map under a single lock,
// snapshotted before any operation that must not hold the lock while it
// runs (broadcasting, closing).
type Manager struct {
	mu        sync.RWMutex
	sessions  map[*session.Session]bool
	accepting bool
}

// New creates a Manager that accepts new sessions.
func New() *Manager {
	return &Manager{
		sessions:  make(map[*session.Session]bool),
		accepting: true,
	}
}

// Accepting reports whether the manager is still admitting new sessions.
func (m *Manager) Accepting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accepting
}

// Add registers a new session in the live set. Returns false if the
// manager is no longer accepting connections, in which case the caller
// must close the session immediately without adding it.
func (m *Manager) Add(s *session.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.accepting {
		return false
	}
	m.sessions[s] = true
	return true
}

// Remove implements session.Remover: it takes a session out of the live
// set. Safe to call more than once or for a session never added.
func (m *Manager) Remove(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// snapshot returns the current live sessions without holding the lock
// during iteration by the caller.
func (m *Manager) snapshot() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown stops accepting new sessions, broadcasts a "going down" notice
// to every live session, and tears each of them down. It does not call
// os.Exit; the caller (cmd/mudportal) chooses the process exit code.
func (m *Manager) Shutdown(reason string) {
	m.mu.Lock()
	m.accepting = false
	m.mu.Unlock()

	for _, s := range m.snapshot() {
		s.Send("portal.shutdown", `{"reason":"`+reason+`"}`)
		s.Teardown(reason)
	}
}
