// Package session tracks the in-flight task of each live stream.
package session

import "sync"

// Handle aborts one running task. Abort must be idempotent and must not block
// on the task finishing. Handles are compared by identity, so implementations
// should be pointers.
type Handle interface {
	Abort()
}

// Registry maps stream ids to their task handle. At most one handle is
// registered per id. The lock is never held while a handle is aborted.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Handle)}
}

// Register installs h for id, aborting any handle it replaces.
func (r *Registry) Register(id string, h Handle) {
	r.mu.Lock()
	prev := r.tasks[id]
	r.tasks[id] = h
	r.mu.Unlock()

	if prev != nil {
		prev.Abort()
	}
}

// Cancel removes and aborts the handle for id. It reports whether one was
// registered; cancelling an unknown id does nothing.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	h, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()

	if ok {
		h.Abort()
	}
	return ok
}

// Release removes the entry for id if it still belongs to h. A finished task
// calls it so that it never evicts a newer registration.
func (r *Registry) Release(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[id]; ok && cur == h {
		delete(r.tasks, id)
		return true
	}
	return false
}

// Active reports whether id has a registered task.
func (r *Registry) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CancelAll aborts every registered task. Used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = make(map[string]Handle)
	r.mu.Unlock()

	for _, h := range tasks {
		h.Abort()
	}
	return len(tasks)
}
