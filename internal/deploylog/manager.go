// Package deploylog relays model deployment logs from the backend push channel
// to browser WebSockets.
package deploylog

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks the active socket of each browser tab per deployment
// target. A tab that reconnects replaces its previous socket.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a deployment and tab session.
func (m *SessionManager) GetActive(deployKey, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[deployKey]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Count returns the number of tabs watching a deployment.
func (m *SessionManager) Count(deployKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[deployKey])
}

// Register adds a socket, closing any older one held by the same tab.
func (m *SessionManager) Register(deployKey, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[deployKey]; !exists {
		m.active[deployKey] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[deployKey][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	m.active[deployKey][sessionID] = conn
	slog.Info("Deploy log session registered", "deploy_key", deployKey, "session_id", sessionID)
}

// Unregister removes a socket if it is still the tab's current one.
func (m *SessionManager) Unregister(deployKey, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[deployKey]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, deployKey)
			}
			slog.Info("Deploy log session unregistered", "deploy_key", deployKey, "session_id", sessionID)
		}
	}
}

// CloseAll terminates every socket, e.g. on logout or shutdown.
func (m *SessionManager) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, sessions := range m.active {
		for sid, conn := range sessions {
			_ = conn.Close(websocket.StatusNormalClosure, reason)
			slog.Info("Deploy log session closed", "deploy_key", key, "session_id", sid)
		}
		delete(m.active, key)
	}
}

// conns returns a snapshot of the sockets watching a deployment.
func (m *SessionManager) conns(deployKey string) []*websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(m.active[deployKey]))
	for _, c := range m.active[deployKey] {
		out = append(out, c)
	}
	return out
}
