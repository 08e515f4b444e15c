package subscriber

import (
	"fmt"
	"sync"
)

// Repository gives access to the Accessors of all the Subscribers
// registered in the running process.
type Repository interface {
	Get(id string) (*Accessor, bool)
	All() []*Accessor
}

var _ Repository = new(Registry)

// Registry is a thread-safe Repository implementation,
// returning Accessors in registration order.
type Registry struct {
	mx        sync.RWMutex
	accessors map[string]*Accessor
	order     []string
}

// NewRegistry returns a Registry containing the specified Accessors.
func NewRegistry(accessors ...*Accessor) (*Registry, error) {
	r := &Registry{accessors: make(map[string]*Accessor)}

	for _, a := range accessors {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register adds the Accessor to the Registry.
// It fails if an Accessor with the same id has already been registered.
func (r *Registry) Register(a *Accessor) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.accessors[a.ID()]; ok {
		return fmt.Errorf("subscriber.Registry: failed to register '%s', id already registered", a.ID())
	}

	r.accessors[a.ID()] = a
	r.order = append(r.order, a.ID())

	return nil
}

// Get implements Repository.
func (r *Registry) Get(id string) (*Accessor, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	a, ok := r.accessors[id]

	return a, ok
}

// All implements Repository.
func (r *Registry) All() []*Accessor {
	r.mx.RLock()
	defer r.mx.RUnlock()

	all := make([]*Accessor, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, r.accessors[id])
	}

	return all
}
