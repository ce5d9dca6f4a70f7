package websocket

import (
	"sync"

	"livelocation/pkg/interfaces"
)

// Registry tracks live connections by identity. One identity may hold several
// connections at once (phone and tablet), each keyed by its connection id.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[string]interfaces.Connection // identity -> connID -> conn
	total       int
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds conn under its identity. Existing connections of the same
// identity stay open.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	identity := conn.Identity()
	if identity == "" {
		return ErrMissingIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.connections[identity]
	if !ok {
		conns = make(map[string]interfaces.Connection)
		r.connections[identity] = conns
	}
	if _, dup := conns[conn.ID()]; !dup {
		r.total++
	}
	conns[conn.ID()] = conn
	return nil
}

// Unregister removes exactly this connection and reports whether it was the
// identity's last one. Unknown connections report false.
func (r *Registry) Unregister(conn interfaces.Connection) bool {
	if conn == nil {
		return false
	}
	identity := conn.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.connections[identity]
	if !ok {
		return false
	}
	if _, ok := conns[conn.ID()]; !ok {
		return false
	}
	delete(conns, conn.ID())
	r.total--

	if len(conns) == 0 {
		delete(r.connections, identity)
		return true
	}
	return false
}

// Connections returns a snapshot of identity's live connections.
func (r *Registry) Connections(identity string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.connections[identity]
	if len(conns) == 0 {
		return nil
	}
	out := make([]interfaces.Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsConnected reports whether identity has at least one live connection.
func (r *Registry) IsConnected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections[identity]) > 0
}

// CloseAll closes every registered connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var all []interfaces.Connection
	for _, conns := range r.connections {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range all {
		_ = c.Close()
	}
}

// Stats returns registry statistics for monitoring.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections":    r.total,
		"connected_identities": len(r.connections),
	}
}
