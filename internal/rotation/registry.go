package rotation

import "sync"

// Registry is the set of session ids currently under automatic rotation.
// It is the one structure mutated by both request handlers and the
// background loop, so all access goes through its mutex.
type Registry struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[int64]struct{})}
}

// Register adds a session id. Idempotent.
func (r *Registry) Register(id int64) {
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a session id. Idempotent; absent ids are a no-op.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
}

// Contains reports membership.
func (r *Registry) Contains(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// Size returns the current membership count.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Snapshot returns a point-in-time copy of the membership so the scheduler
// can iterate without holding the lock.
func (r *Registry) Snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	return out
}
