// Package registry tracks the worker process currently owned by each node.
package registry

import (
	"errors"
	"sync"

	"github.com/loykin/nodehost/internal/process"
)

// ErrBusy is returned by Reserve when the id already has a handle or a start
// in flight.
var ErrBusy = errors.New("node has a running or starting process")

type entry struct {
	h         *process.Handle // nil while reserved
	reserved  bool
	cancelled bool
}

// Registry maps node id to its live process handle.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Reserve claims id for a start in flight. It must be followed by Commit or
// Release.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return ErrBusy
	}
	r.entries[id] = &entry{reserved: true}
	return nil
}

// Commit binds h to a reservation made by Reserve. It returns false, and
// drops the reservation, when the reservation was cancelled or is gone; the
// caller then owns h and must terminate it.
func (r *Registry) Commit(id string, h *process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.reserved {
		return false
	}
	if e.cancelled {
		delete(r.entries, id)
		return false
	}
	r.entries[id] = &entry{h: h}
	return true
}

// Cancel marks the start in flight for id as stopped. It reports whether
// there was such a reservation; committed handles are left alone.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.reserved {
		return false
	}
	e.cancelled = true
	return true
}

// Release drops a reservation that never got a handle and reports whether
// it had been cancelled.
func (r *Registry) Release(id string) (cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.reserved {
		delete(r.entries, id)
		return e.cancelled
	}
	return false
}

// Get returns the committed handle for id.
func (r *Registry) Get(id string) (*process.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.h == nil {
		return nil, false
	}
	return e.h, true
}

// Busy reports whether id has a handle or a reservation.
func (r *Registry) Busy(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Remove drops the committed handle for id and returns it.
func (r *Registry) Remove(id string) (*process.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.h == nil {
		return nil, false
	}
	delete(r.entries, id)
	return e.h, true
}

// RemoveIf drops id only while h is still its registered handle, so a late
// exit of an old worker never clears a newer one.
func (r *Registry) RemoveIf(id string, h *process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.h != h {
		return false
	}
	delete(r.entries, id)
	return true
}

// PIDs snapshots id -> pid of every committed handle.
func (r *Registry) PIDs() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.entries))
	for id, e := range r.entries {
		if e.h != nil {
			out[id] = e.h.PID()
		}
	}
	return out
}

// Handles snapshots every committed handle.
func (r *Registry) Handles() map[string]*process.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*process.Handle, len(r.entries))
	for id, e := range r.entries {
		if e.h != nil {
			out[id] = e.h
		}
	}
	return out
}

// Len counts committed handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.h != nil {
			n++
		}
	}
	return n
}
