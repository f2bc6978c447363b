package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateCapability reports a second registration of the same name.
	ErrDuplicateCapability = errors.New("duplicate capability")
	// ErrUnknownCapability reports a lookup of an unregistered name.
	ErrUnknownCapability = errors.New("unknown capability")
)

// Registry holds the process-wide capability set. Registration happens once
// at startup; the registry is read-only afterwards.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: map[string]*Capability{}}
}

// Register adds a capability. Fails if the identifier is already taken.
func (r *Registry) Register(c *Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.caps[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCapability, c.Name())
	}
	r.caps[c.Name()] = c
	return nil
}

// Lookup resolves a capability by identifier.
func (r *Registry) Lookup(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return c, nil
}

// BackendsFor returns a capability's backends in declared priority order.
func (r *Registry) BackendsFor(name string) ([]Backend, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return c.Backends(), nil
}

// Names lists registered capability identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
