package session

import "sync"

// Manager hands out one Session per workspace, creating on first use.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	newSession func(workspaceID string) *Session
}

// NewManager creates a session manager. newSession constructs the Session for
// a workspace, wired with that workspace's stream callback.
func NewManager(newSession func(workspaceID string) *Session) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		newSession: newSession,
	}
}

// Get returns the workspace's session, creating it if needed.
func (m *Manager) Get(workspaceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[workspaceID]
	if !ok {
		s = m.newSession(workspaceID)
		m.sessions[workspaceID] = s
	}
	return s
}

// Drop discards the workspace's session, e.g. on workspace removal.
func (m *Manager) Drop(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, workspaceID)
}
