package server

import (
	"sync"

	"github.com/stueble-dev/stueble/internal/storage"
)

// Registry is the single owner of the live-connection set: a bidirectional
// map between sockets and session ids plus the host-upwards broadcast group.
// All mutation goes through this narrow API under one lock; socket writes
// happen elsewhere so slow clients cannot stall registration.
type Registry struct {
	mu        sync.Mutex
	conns     map[*connection]struct{}
	bySession map[string]*connection
}

// NewRegistry initializes an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[*connection]struct{}),
		bySession: make(map[string]*connection),
	}
}

// Add tracks an accepted connection before it has any session identity.
func (r *Registry) Add(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

// Register binds the connection's session id, superseding any previous
// connection for the same session. The superseded socket is closed after
// the lock is released and is also returned for the caller's bookkeeping.
func (r *Registry) Register(c *connection) *connection {
	sessionID := c.session()
	if sessionID == "" {
		return nil
	}

	r.mu.Lock()
	old := r.bySession[sessionID]
	if old == c {
		r.mu.Unlock()
		return nil
	}
	if old != nil {
		delete(r.conns, old)
	}
	r.bySession[sessionID] = c
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	if old != nil {
		old.close()
	}
	return old
}

// Release drops the connection's session binding but keeps the connection
// tracked, for a socket downgraded to anonymous after its session lapsed.
// It reports whether the binding was actually held by this connection.
func (r *Registry) Release(c *connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionID := c.session(); sessionID != "" && r.bySession[sessionID] == c {
		delete(r.bySession, sessionID)
		return true
	}
	return false
}

// Unregister removes the connection. Safe to call repeatedly; a session
// binding is only dropped if it still points at this connection, so a
// superseded socket's teardown cannot evict its successor.
func (r *Registry) Unregister(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	if sessionID := c.session(); sessionID != "" && r.bySession[sessionID] == c {
		delete(r.bySession, sessionID)
	}
}

// ResolveTargets returns the live connections an event must reach. Role
// floors address the broadcast group; user and session targets address the
// zero-or-more matching sockets. An exclusion always wins, whatever the
// visibility kind.
func (r *Registry) ResolveTargets(vis storage.Visibility, excludeSessionID string) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var targets []*connection
	switch vis.Kind() {
	case storage.VisibilityRoleFloor:
		floor, _ := vis.RoleFloor()
		for sessionID, c := range r.bySession {
			if excludeSessionID != "" && sessionID == excludeSessionID {
				continue
			}
			id, ok := c.identity()
			if !ok || !c.inBroadcastGroup() {
				continue
			}
			if id.Role.Meets(floor) {
				targets = append(targets, c)
			}
		}
	case storage.VisibilityUser:
		userID, _ := vis.UserID()
		for sessionID, c := range r.bySession {
			if excludeSessionID != "" && sessionID == excludeSessionID {
				continue
			}
			if id, ok := c.identity(); ok && id.UserID == userID {
				targets = append(targets, c)
			}
		}
	case storage.VisibilitySession:
		sessionID, _ := vis.SessionID()
		if excludeSessionID != "" && sessionID == excludeSessionID {
			return nil
		}
		if c, ok := r.bySession[sessionID]; ok {
			targets = append(targets, c)
		}
	}
	return targets
}

// Lookup returns the current connection for a session id, if any.
func (r *Registry) Lookup(sessionID string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.bySession[sessionID]
	return c, ok
}

// Len reports the number of tracked connections, anonymous ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
