package engine

import "sync"

// Registry hands out one shared Engine and destroys it when the last
// reference is released.
type Registry struct {
	deps Dependencies

	mu      sync.Mutex
	current *Engine
	refs    int
}

func NewRegistry(deps Dependencies) *Registry {
	return &Registry{deps: deps}
}

// Acquire returns the shared engine, creating it from cfg on first use.
// cfg is ignored while an engine is live.
func (r *Registry) Acquire(cfg Config) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		r.current = New(cfg, r.deps)
		r.refs = 0
	}
	r.refs++
	return r.current
}

// Existing acquires the live engine without creating one.
func (r *Registry) Existing() (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil, false
	}
	r.refs++
	return r.current, true
}

// Release drops one reference to e. Handles from before a ForceDestroy are ignored.
func (r *Registry) Release(e *Engine) {
	r.mu.Lock()
	if e == nil || e != r.current {
		r.mu.Unlock()
		return
	}
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.refs = 0
	r.mu.Unlock()
	e.destroy()
}

// ForceDestroy tears the engine down regardless of outstanding references.
func (r *Registry) ForceDestroy() {
	r.mu.Lock()
	current := r.current
	r.current = nil
	r.refs = 0
	r.mu.Unlock()
	if current != nil {
		current.destroy()
	}
}

func (r *Registry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}
