package websocket

import (
	"sync"

	"github.com/samber/lo"
)

// Registry tracks live connections so the server can report on them and
// close them at shutdown. Course membership lives in the hub.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	closed      bool
}

func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

// Register adds a connection
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	return nil
}

// Unregister removes a connection; unknown connections are ignored
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if registered, ok := r.connections[conn.ID()]; ok && registered == conn {
		delete(r.connections, conn.ID())
	}
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// UserConnections returns every live connection of one user
func (r *Registry) UserConnections(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(lo.Values(r.connections), func(c *Connection, _ int) bool {
		return c.Principal().ID == userID
	})
}

// GetStats returns counters for the health endpoint
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := lo.Uniq(lo.MapToSlice(r.connections, func(_ string, c *Connection) string {
		return c.Principal().ID
	}))
	return map[string]int{
		"total_connections": len(r.connections),
		"unique_users":      len(users),
	}
}

// CloseAll closes every connection and refuses new registrations
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := lo.Values(r.connections)
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
