package session

import (
	"fmt"
	"sync"
)

// Registry tracks live sessions by call id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session. A duplicate call id is rejected so a reconnecting
// stream can't hijack a live call.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.CallID()]; exists {
		return fmt.Errorf("session: call %s already registered", s.CallID())
	}
	r.sessions[s.CallID()] = s
	return nil
}

// Lookup returns the session for a call id.
func (r *Registry) Lookup(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Remove drops the session for a call id.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
