// Package sessions maps live connections to participants and
// instances. The registry is in-memory only; it is rebuilt from the
// first message of every play-phase connection.
package sessions

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when no session matches a lookup.
var ErrNotFound = errors.New("sessions: session not found")

// Session binds one participant of one instance to its latest live
// connection. The same player can take part in several instances, but
// never twice in the same instance, so (iId, guid) is the key.
type Session struct {
	GUID   string
	ConnID string
	UID    uint64
}

// Ref is what the connection-id index yields: enough to find the
// session again through Find.
type Ref struct {
	GUID string
	IID  string
}

// Registry holds every session, indexed by instance and, secondarily,
// by connection id. Both indexes are kept in lockstep.
type Registry struct {
	mu         sync.RWMutex
	byInstance map[string][]*Session
	byConn     map[string]Ref
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Reset clears the registry. Called at service start.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byInstance = make(map[string][]*Session)
	r.byConn = make(map[string]Ref)
}

// Set creates a session or refreshes an existing one. Participants may
// reconnect with a new connection: the latest connection wins.
func (r *Registry) Set(iID, guid, connID string, uID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.find(iID, guid); s != nil {
		delete(r.byConn, s.ConnID)
		s.ConnID = connID
	} else {
		r.byInstance[iID] = append(r.byInstance[iID], &Session{GUID: guid, ConnID: connID, UID: uID})
	}
	r.byConn[connID] = Ref{GUID: guid, IID: iID}
}

// Find returns the session of a participant within an instance.
func (r *Registry) Find(iID, guid string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s := r.find(iID, guid); s != nil {
		cp := *s
		return &cp
	}
	return nil
}

func (r *Registry) find(iID, guid string) *Session {
	for _, s := range r.byInstance[iID] {
		if s.GUID == guid {
			return s
		}
	}
	return nil
}

// Get resolves a connection id back to its participant and instance.
func (r *Registry) Get(connID string) (Ref, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.byConn[connID]
	return ref, ok
}

// All returns every session of an instance, in registration order.
func (r *Registry) All(iID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byInstance[iID]
	out := make([]Session, len(list))
	for i, s := range list {
		out[i] = *s
	}
	return out
}

// Del removes the session owning a connection from both indexes; an
// instance whose session list empties is dropped entirely.
func (r *Registry) Del(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.byConn[connID]
	if ok {
		list := r.byInstance[ref.IID]
		for i, s := range list {
			if s.ConnID == connID {
				r.byInstance[ref.IID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(r.byInstance[ref.IID]) == 0 {
			delete(r.byInstance, ref.IID)
		}
	}
	delete(r.byConn, connID)
}

// Instances lists the instance ids with at least one live session.
func (r *Registry) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byInstance))
	for iID := range r.byInstance {
		out = append(out, iID)
	}
	return out
}

// Count returns the number of live sessions across all instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
