package events

import "sync"

// ConsumedSet records input event ids absorbed by an elicitation round-trip.
// Entries are transient: the first check removes them, preserving the
// at-most-once dispatch guarantee.
type ConsumedSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewConsumedSet creates an empty consumed-event set.
func NewConsumedSet() *ConsumedSet {
	return &ConsumedSet{ids: make(map[string]struct{})}
}

// MarkConsumed records an event id as consumed.
func (s *ConsumedSet) MarkConsumed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[id] = struct{}{}
}

// CheckAndRemove reports whether the id was marked consumed and clears it.
// Only the first call for a given id returns true.
func (s *ConsumedSet) CheckAndRemove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		delete(s.ids, id)
		return true
	}
	return false
}

// ElicitationSet tracks which sessions currently have an active elicitation.
// The session actor skips events for those sessions; the elicitation handler
// consumes them from the input bus instead.
type ElicitationSet struct {
	mu       sync.RWMutex
	sessions map[string]struct{}
}

// NewElicitationSet creates an empty elicitation-active set.
func NewElicitationSet() *ElicitationSet {
	return &ElicitationSet{sessions: make(map[string]struct{})}
}

// SetActive marks or clears the elicitation-active flag for a session.
func (s *ElicitationSet) SetActive(sessionID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.sessions[sessionID] = struct{}{}
	} else {
		delete(s.sessions, sessionID)
	}
}

// IsActive reports whether the session has an active elicitation.
func (s *ElicitationSet) IsActive(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}
