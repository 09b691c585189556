package jingle

import "sync"

// Registry maps connections to the session running on them. A connection
// holds at most one live session.
//
// The registry is owned by the caller and passed to sessions and managers
// explicitly.
type Registry struct {
	sessions map[string]*Session

	mu sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers s for connID. A closed session left behind under connID is
// replaced; a live one is not.
func (r *Registry) Add(connID string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[connID]; ok && existing != s && !existing.IsClosed() {
		return ErrSessionExists
	}
	r.sessions[connID] = s
	return nil
}

// Remove unregisters s from connID. Nothing happens if another session has
// taken its place.
func (r *Registry) Remove(connID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[connID] == s {
		delete(r.sessions, connID)
	}
}

// RemoveConn drops whatever session is registered for connID. Managers
// call it when the connection closes.
func (r *Registry) RemoveConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, connID)
}

// Find returns the session for connID, or nil.
func (r *Registry) Find(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[connID]
}

// FindBySessionID returns the session carrying sid and initiator, or nil.
func (r *Registry) FindBySessionID(sid, initiator string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.SID() == sid && s.Initiator() == initiator {
			return s
		}
	}
	return nil
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
