package bufferqueue

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry stores queues by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Queue
}

// NewRegistry creates an empty queue registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Queue)}
}

// Register adds a queue under its name.
func (r *Registry) Register(q *Queue) error {
	if q == nil {
		return fmt.Errorf("%w: nil queue", ErrInvalidArgument)
	}
	name := strings.TrimSpace(q.Name())
	if name == "" {
		return fmt.Errorf("%w: empty queue name", ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; ok {
		return fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	r.items[name] = q
	return nil
}

// Resolve returns a queue by name.
func (r *Registry) Resolve(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.items[name]
	return q, ok
}

// Lookup is Resolve with an error for unknown names.
func (r *Registry) Lookup(name string) (*Queue, error) {
	q, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Names returns registered queue names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Queues returns registered queues ordered by name.
func (r *Registry) Queues() []*Queue {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Queue, 0, len(names))
	for _, name := range names {
		if q, ok := r.items[name]; ok {
			out = append(out, q)
		}
	}
	return out
}
