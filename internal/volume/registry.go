package volume

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Registry.Lookup when no volume with the given
// name is known to this replica.
var ErrNotFound = errors.New("volume: not found")

// Registry is the volume-registry collaborator of spec §1 ("the volume
// registry providing lookup and refcounting"). It is out of scope for this
// module's own persistence, but the acceptor, worker, and rebuild
// components all depend on this interface to resolve a name to an *Info.
//
// The production implementation is internal/registry's etcd-backed
// watcher, fed by the management plane; InMemory below is a simple
// implementation suitable for tests and for embedding in a single-process
// daemon that manages its own volume set.
type Registry interface {
	Lookup(name string) (*Info, error)
	Range(fn func(*Info) bool)
}

// InMemory is a trivial, mutex-guarded Registry. It is the Registry used by
// component tests throughout this module, and can back a daemon that does
// not need etcd-driven volume provisioning.
type InMemory struct {
	mu      sync.RWMutex
	volumes map[string]*Info
}

// NewInMemory returns an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{volumes: make(map[string]*Info)}
}

// Put registers v, replacing any prior volume of the same name.
func (r *InMemory) Put(v *Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes[v.Name] = v
}

// Remove unregisters the named volume, if present.
func (r *InMemory) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.volumes, name)
}

// Lookup implements Registry.
func (r *InMemory) Lookup(name string) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var v, ok = r.volumes[name]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Range implements Registry. fn is invoked for each volume in an
// unspecified order; it returns false to stop iteration early. Range takes
// a point-in-time snapshot of the map under lock, then calls fn without
// holding the lock — no blocking calls are made under the registry lock,
// matching spec §5's rule for the registry walk.
func (r *InMemory) Range(fn func(*Info) bool) {
	r.mu.RLock()
	var snapshot = make([]*Info, 0, len(r.volumes))
	for _, v := range r.volumes {
		snapshot = append(snapshot, v)
	}
	r.mu.RUnlock()

	for _, v := range snapshot {
		if !fn(v) {
			return
		}
	}
}
