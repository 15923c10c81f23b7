package command

import "sync"

// Registry is the shared-by-id store of live Instances (spec.md §3:
// "CommandInstances are shared by catalog (by id) and by the upload
// scheduler until terminal").
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Instance
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]*Instance{}}
}

// Put stores inst, replacing any previous instance with the same id.
func (r *Registry) Put(id string, inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = inst
}

// Get returns the instance for id, or ok=false.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	return inst, ok
}

// Remove drops a terminal instance from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// All returns a snapshot slice of every live instance.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	return out
}
