// Package backend provides reference property-backend implementations: the
// opaque per-field CRDTs an Entity Applicator merges Event operations and
// State buffers through. A backend is a capability set, not a type
// hierarchy: ApplyOps, MergeState, EmitState, PropertyValues (spec.md §3).
package backend

import (
	"fmt"

	"causalstore/pkg/causal"
)

// Backend is the property-backend capability contract. Implementations
// must be deterministic under identical operation-set inputs applied in
// any valid topological order derived from the DAG.
type Backend interface {
	// ApplyOps mutates the backend in place from a batch of raw operation
	// blobs, in the order given.
	ApplyOps(ops [][]byte) error

	// MergeState merges another backend instance's serialized state into
	// this one. Used when an incoming State's buffer for this backend
	// name must be folded into the local instance (spec.md §4.2.1 step 3).
	MergeState(buf []byte) error

	// EmitState serializes the backend's current state for storage.
	EmitState() ([]byte, error)

	// PropertyValues reports the backend's materialized property-name to
	// causal.Value mapping, consulted by the filter engine.
	PropertyValues() map[string]causal.Value
}

// Constructor builds a fresh, zero-valued Backend instance for a given
// backend name.
type Constructor func() Backend

// Registry maps backend names (as used in Event.Operations and
// State.StateBuffers) to constructors. Unknown names produce a
// StorageError at decode time rather than a panic, per spec.md §9's
// polymorphic-backend note.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry builds a Registry pre-populated with the LWW and Sequence
// reference backends.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register(LWWName, func() Backend { return NewLWW() })
	r.Register(SequenceName, func() Backend { return NewSequence() })
	return r
}

func (r *Registry) Register(name string, ctor Constructor) {
	r.constructors[name] = ctor
}

// New constructs a Backend for name, or a StorageError if name is
// unregistered.
func (r *Registry) New(name string) (Backend, error) {
	ctor, ok := r.constructors[name]
	if !ok {
		return nil, &causal.StorageError{BaseError: causal.BaseError{
			Op:  "backend.Registry.New",
			Err: fmt.Errorf("unknown backend %q", name),
		}}
	}
	return ctor(), nil
}
