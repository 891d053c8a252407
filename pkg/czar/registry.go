// Package czar implements the coordinator's session registry and the
// handle-oriented coordinator API: every operation is keyed by an
// integer session id, so script-oriented callers never hold object
// references.
package czar

import (
	"sync"

	"github.com/jhoblitt/qserv/pkg/ccontrol"
	"github.com/jhoblitt/qserv/pkg/qerr"
)

// Registry maps an integer session handle to its owned UserQuery.
// Exists because external (script-oriented) callers hold integer
// handles, not object references.
type Registry struct {
	mu       sync.Mutex
	next     int64
	sessions map[int64]ccontrol.UserQuery
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]ccontrol.UserQuery)}
}

// Reserve allocates a fresh session id without storing a query for it
// yet; callers build the UserQuery out-of-lock (it may need the id)
// before calling Put.
func (r *Registry) Reserve() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

// Put stores uq under id, created at factory time.
func (r *Registry) Put(id int64, uq ccontrol.UserQuery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = uq
}

// Get looks up the UserQuery for id.
func (r *Registry) Get(id int64) (ccontrol.UserQuery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uq, ok := r.sessions[id]
	if !ok {
		return nil, qerr.NewNotFound("czar: unknown session id")
	}
	return uq, nil
}

// Remove deletes id from the registry, called on discard.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
