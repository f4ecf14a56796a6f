package call

import (
	"fmt"
	"sync"
)

// Registry is the central index of live calls by call ID.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

// Add registers a call. Duplicate call IDs are rejected.
func (r *Registry) Add(c *Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[c.ID]; exists {
		return fmt.Errorf("call %s already registered", c.ID)
	}
	r.calls[c.ID] = c
	return nil
}

// Get returns the call with the given ID.
func (r *Registry) Get(id string) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	return c, ok
}

// Remove deletes the call with the given ID and returns it. The
// second return is false if no such call was registered, which lets
// disconnect cleanup run at most once per call.
func (r *Registry) Remove(id string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	return c, ok
}

// List returns a snapshot of all registered calls.
func (r *Registry) List() []*Call {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
