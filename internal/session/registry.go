package session

import (
	"fmt"
	"sync"
)

// Registry is the shared directory of live sessions, indexed both by id and
// by sync group so the fan-out hot path can answer SessionsPermitted in
// O(|sessions in group|). Reads (fan-out, delivery) must not serialize
// behind writes for more than the time to publish one pointer, so writes
// hold the lock only long enough to update the two maps.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	byGroup   map[string]map[string]*Session // syncGroup -> sessionID -> *Session
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Session),
		byGroup: make(map[string]map[string]*Session),
	}
}

// Insert registers s. Fan-out never retains a *Session across a tick
// boundary — it looks sessions up by id every time, per the weak-reference
// design note.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	if r.byGroup[s.SyncGroup] == nil {
		r.byGroup[s.SyncGroup] = make(map[string]*Session)
	}
	r.byGroup[s.SyncGroup][s.ID] = s
}

func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// Remove deregisters sessionID, if present, from both indexes.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byID, sessionID)
	if group := r.byGroup[s.SyncGroup]; group != nil {
		delete(group, sessionID)
		if len(group) == 0 {
			delete(r.byGroup, s.SyncGroup)
		}
	}
}

// ForEachInSyncGroup calls fn for every session currently registered under
// group. fn must not call back into the Registry.
func (r *Registry) ForEachInSyncGroup(group string, fn func(*Session)) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byGroup[group]))
	for _, s := range r.byGroup[group] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		fn(s)
	}
}

// SessionsPermitted returns the ids of sessions in group authorized for
// perm, the hot path the Fan-out Router calls once per Route call (once
// per tick).
func (r *Registry) SessionsPermitted(group string, perm Permission) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byGroup[group]
	out := make([]string, 0, len(sessions))
	for id, s := range sessions {
		if s.Perms&perm != 0 {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CountByGroup reports how many sessions are currently registered per sync
// group, for the admin surface.
func (r *Registry) CountByGroup() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byGroup))
	for g, sessions := range r.byGroup {
		out[g] = len(sessions)
	}
	return out
}

// RemoveAndClose removes sessionID from the Registry and closes it,
// draining its outbound queue. Returns an error if the session was already
// gone.
func (r *Registry) RemoveAndClose(sessionID string) error {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("session %q not registered", sessionID)
	}
	r.Remove(sessionID)
	s.Close()
	return nil
}
