package broker

import (
	"sync"

	"github.com/google/uuid"
)

// ConnectionRegistry tracks the opaque connectionId assigned to every
// live TCP connection, decoupled from clientId so that displacing a
// client (a second CONNECT with the same clientId arrives while the
// first is still open) can tell which physical connection currently
// owns a session without racing on the clientId string itself: the
// dispatcher checks its own connectionId is still the one registered
// before touching shared session state, and a displaced connection's
// teardown path can detect it has already been superseded.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	byID    map[string]string // connectionId -> clientId
	current map[string]string // clientId -> the connectionId currently owning it
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byID:    make(map[string]string),
		current: make(map[string]string),
	}
}

// Register mints a new opaque connectionId and records it as the
// current owner of clientId, returning the displaced connectionId (if
// any) so the caller can force-close it.
func (r *ConnectionRegistry) Register(clientID string) (connectionID string, displaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connectionID = uuid.NewString()
	displaced = r.current[clientID]
	if displaced != "" {
		delete(r.byID, displaced)
	}
	r.byID[connectionID] = clientID
	r.current[clientID] = connectionID
	return connectionID, displaced
}

// Owns reports whether connectionID is still the current owner of
// clientID — false once a newer connection has displaced it.
func (r *ConnectionRegistry) Owns(clientID, connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[clientID] == connectionID
}

// Unregister removes connectionID, but only if it is still the current
// owner of its clientId — a call from an already-displaced connection
// must not erase the newer connection's registration.
func (r *ConnectionRegistry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientID, ok := r.byID[connectionID]
	if !ok {
		return
	}
	delete(r.byID, connectionID)
	if r.current[clientID] == connectionID {
		delete(r.current, clientID)
	}
}
