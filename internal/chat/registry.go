package chat

import "sync"

// Registry is the process-wide map from user ID to that user's live
// connections. It is the only shared mutable state in the chat layer; every
// mutation and lookup goes through its mutex. An absent entry and an empty
// entry both mean "no live connections".
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*conn // user_id -> conn_id -> conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]*conn)}
}

func (r *Registry) register(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[c.userID]
	if conns == nil {
		conns = make(map[string]*conn)
		r.byUser[c.userID] = conns
	}
	conns[c.id] = c
}

// registerIfBelow adds c unless the user already has limit connections.
// Check and insert happen under one lock so concurrent handshakes for the
// same user cannot race past the cap.
func (r *Registry) registerIfBelow(c *conn, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[c.userID]
	if len(conns) >= limit {
		return false
	}
	if conns == nil {
		conns = make(map[string]*conn)
		r.byUser[c.userID] = conns
	}
	conns[c.id] = c
	return true
}

func (r *Registry) deregister(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byUser[c.userID]
	if !ok {
		return
	}
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(r.byUser, c.userID)
	}
}

// lookup returns a snapshot of the user's live connections. The snapshot may
// go stale mid-iteration; sends to a connection that closed in the meantime
// fail without affecting the registry.
func (r *Registry) lookup(userID string) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	return r.count(userID) > 0
}

// NumConnections returns the total number of live connections across users.
func (r *Registry) NumConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}
