// Package dedup tracks entity identifiers already dispatched within one crawl
// task. Registries are never shared across tasks and are not persisted, so a
// restarted task starts empty.
package dedup

import "sync"

// Registry is a grow-only set of entity ids safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	seen map[string]struct{}
	// order preserves first-mark order for reporting.
	order []string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Seen reports whether id has been marked.
func (r *Registry) Seen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[id]
	return ok
}

// Mark records id. Marking an id twice is a no-op.
func (r *Registry) Mark(id string) {
	r.MarkIfUnseen(id)
}

// MarkIfUnseen marks id and returns true only for the first caller to mark
// it. The check and the insert happen under one lock.
func (r *Registry) MarkIfUnseen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}

// Len returns the number of marked ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// IDs returns marked ids in the order they were first marked.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
