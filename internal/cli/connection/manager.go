package connection

import "sync"

// Manager remembers the cache connection id commands act on when none is
// given. An interactive shell shares one Manager across its commands.
type Manager struct {
	mu      sync.RWMutex
	current string
}

// NewManager creates a new connection manager.
func NewManager() *Manager {
	return &Manager{}
}

// Use makes id the current connection.
func (m *Manager) Use(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = id
}

// Forget clears the current connection if it is id.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == id {
		m.current = ""
	}
}

// Current returns the current connection id, or "".
func (m *Manager) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsConnected reports whether a current connection is set.
func (m *Manager) IsConnected() bool {
	return m.Current() != ""
}
