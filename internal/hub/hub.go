// Package hub tracks open proxied streams so they can be torn down when the
// session that opened them ends or their sandbox stops.
package hub

import "sync"

type Closer interface {
	Close() error
}

type Connection struct {
	UserID    string
	SessionID string
	Role      string
	Conn      Closer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[*Connection]struct{})
	}
	h.connections[conn.UserID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
	}
}

// Count returns the number of open streams for userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[userID])
}

// CloseSession closes every stream opened under sessionID.
func (h *Hub) CloseSession(userID, sessionID string) int {
	return h.closeMatching(userID, func(c *Connection) bool { return c.SessionID == sessionID })
}

// CloseUser closes every stream the user has open.
func (h *Hub) CloseUser(userID string) int {
	return h.closeMatching(userID, func(*Connection) bool { return true })
}

// CloseSandbox closes every stream into the (userID, role) sandbox.
func (h *Hub) CloseSandbox(userID, role string) int {
	return h.closeMatching(userID, func(c *Connection) bool { return c.Role == role })
}

func (h *Hub) closeMatching(userID string, match func(*Connection) bool) int {
	h.mu.RLock()
	set := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		if match(c) {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Conn.Close()
		h.Unregister(c)
	}
	return len(conns)
}
