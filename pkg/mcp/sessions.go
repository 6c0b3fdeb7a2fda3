package mcp

import "sync"

// SessionRegistry maps actor IDs to MCP session IDs. An actor is captured
// whenever it calls a tool that names it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // actorID -> sessionID
}

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an actor with a session. A reconnecting actor
// replaces its previous session.
func (r *SessionRegistry) Register(actorID, sessionID string) {
	if actorID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actorID] = sessionID
}

// SessionFor returns the session of a connected actor.
func (r *SessionRegistry) SessionFor(actorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actorID]
	return sid, ok
}

// Remove deletes every actor mapped to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}
