package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks every live session by identity. All mutations are
// serialized by a single lock; only map bookkeeping happens while it is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register assigns s a fresh identity, stores it and returns the identity.
func (r *Registry) Register(s *Session) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	s.id = id
	r.sessions[id] = s
	return id
}

// Unregister removes the session with the given identity. It reports whether
// a session was removed; unknown identities are not an error.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Lookup returns the session registered under id.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// All returns a point-in-time snapshot of the registered sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Select returns a snapshot of the sessions among ids that are registered,
// skipping unknown identities.
func (r *Registry) Select(ids []string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// IDs returns a snapshot of the registered identities.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
