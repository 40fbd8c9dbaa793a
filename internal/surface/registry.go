package surface

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownSurface = errors.New("surface: unknown surface")

// Registry shares surfaces by key with reference counting. The last Release
// disconnects the surface.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	surface *Surface
	refs    int
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire returns the surface for key, calling open when there is none. open
// runs without the registry lock; if another caller wins the race its surface
// is kept and the new one is discarded.
func (r *Registry) Acquire(key string, open func() (*Surface, error)) (*Surface, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.mu.Unlock()
		return e.surface, nil
	}
	r.mu.Unlock()

	s, err := open()
	if err != nil {
		return nil, fmt.Errorf("surface: open %q: %w", key, err)
	}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.mu.Unlock()
		if s.Connected() {
			_ = s.Disconnect()
		}
		return e.surface, nil
	}
	r.entries[key] = &entry{surface: s, refs: 1}
	r.mu.Unlock()
	return s, nil
}

// Release drops one reference. It reports whether the surface was removed.
func (r *Registry) Release(key string) (bool, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %q", ErrUnknownSurface, key)
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.entries, key)
	r.mu.Unlock()

	if e.surface.Connected() {
		if err := e.surface.Disconnect(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Refs returns the reference count of key, 0 when absent.
func (r *Registry) Refs(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
