package apply

import (
	"context"
	"fmt"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/dag"
)

// DefaultBudget is the causal-comparator budget the applicator starts with
// when folding an event or state into an entity that already has history.
const DefaultBudget = dag.DefaultBudget

// Applicator folds events and incoming states into stored EntityStates
// through their property backends (spec.md §4.2), preserving each
// backend's CRDT convergence property and pruning heads as it goes.
type Applicator struct {
	storage  causal.StorageCollection
	backends *backend.Registry
}

// NewApplicator builds an Applicator over storage using reg for backend
// construction.
func NewApplicator(storage causal.StorageCollection, reg *backend.Registry) *Applicator {
	return &Applicator{storage: storage, backends: reg}
}

func loadBackend(reg *backend.Registry, name string, existing []byte) (backend.Backend, error) {
	b, err := reg.New(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := b.MergeState(existing); err != nil {
			return nil, &causal.StorageError{BaseError: causal.BaseError{Op: "apply.loadBackend", Err: err}}
		}
	}
	return b, nil
}

// mergeOpsInto decodes the named backend from buffers (or starts fresh),
// applies ops, and re-serializes it into a new buffer map entry.
func mergeOpsInto(reg *backend.Registry, buffers map[string][]byte, ops causal.OperationSet) (map[string][]byte, error) {
	out := make(map[string][]byte, len(buffers)+len(ops))
	for name, buf := range buffers {
		out[name] = buf
	}
	for name, opList := range ops {
		b, err := loadBackend(reg, name, out[name])
		if err != nil {
			return nil, err
		}
		if err := b.ApplyOps(opList); err != nil {
			return nil, &causal.StorageError{BaseError: causal.BaseError{Op: "apply.mergeOpsInto", Err: err}}
		}
		buf, err := b.EmitState()
		if err != nil {
			return nil, &causal.StorageError{BaseError: causal.BaseError{Op: "apply.mergeOpsInto", Err: err}}
		}
		out[name] = buf
	}
	return out, nil
}

// mergeBuffersInto folds every backend buffer in incoming into buffers via
// MergeState, for reconciling two already-stored states (spec.md §4.2.1
// step 3), returning a new buffer map.
func mergeBuffersInto(reg *backend.Registry, buffers, incoming map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(buffers)+len(incoming))
	for name, buf := range buffers {
		out[name] = buf
	}
	for name, incomingBuf := range incoming {
		b, err := loadBackend(reg, name, out[name])
		if err != nil {
			return nil, err
		}
		if err := b.MergeState(incomingBuf); err != nil {
			return nil, &causal.StorageError{BaseError: causal.BaseError{Op: "apply.mergeBuffersInto", Err: err}}
		}
		buf, err := b.EmitState()
		if err != nil {
			return nil, &causal.StorageError{BaseError: causal.BaseError{Op: "apply.mergeBuffersInto", Err: err}}
		}
		out[name] = buf
	}
	return out, nil
}

// ApplyEvent folds event into the stored state for its entity, appending it
// to the event log first (so a crash between the two leaves the log, not
// the projection, as the source of truth). It is idempotent: redelivering
// an event already incorporated into the stored head is a no-op.
func (a *Applicator) ApplyEvent(ctx context.Context, collection causal.CollectionId, event causal.Attested[causal.Event]) error {
	payload := event.Payload
	id := payload.Id()

	if err := a.storage.AddEvent(ctx, event); err != nil {
		return err
	}

	existing, err := a.storage.GetState(ctx, collection, payload.EntityId)
	if causal.IsEntityNotFound(err) {
		if !payload.IsGenesis() {
			return &causal.GeneralError{BaseError: causal.BaseError{
				Op:  "apply.ApplyEvent",
				Err: fmt.Errorf("event %s for entity %s has a non-empty parent but no prior state exists", id, payload.EntityId),
			}}
		}
		buffers, err := mergeOpsInto(a.backends, nil, payload.Operations)
		if err != nil {
			return err
		}
		return a.storage.SetState(ctx, causal.Unattested(causal.EntityState{
			EntityId:   payload.EntityId,
			Collection: collection,
			State:      causal.State{StateBuffers: buffers, Head: causal.NewClock(id)},
		}))
	}
	if err != nil {
		return err
	}

	state := existing.Payload.State
	if state.Head.Contains(id) {
		// Exact redelivery of an event already sitting in the head, no
		// matter how many other concurrent tips the head also carries.
		return nil
	}

	source := NewStorageEventSource(a.storage, collection)
	result, err := dag.CompareUnstoredEvent(ctx, source, payload, state.Head, DefaultBudget)
	if err != nil {
		return err
	}

	var superseded causal.Clock
	switch result.Relation.Kind {
	case dag.Equal:
		// event.Id() is already a member of the stored head; nothing to do.
		return nil
	case dag.StrictDescends:
		superseded = payload.Parent
	case dag.DivergedSince:
		// The remapped StrictAscends case can report a meet that already
		// sits inside the stored head (id's own parent is a current tip),
		// or id may be a strict ancestor of the head entirely (already
		// folded in via a later descendant). Only the head elements the
		// event's own history actually passes through are superseded;
		// anything else in the head stays untouched as a concurrent tip.
		superseded = state.Head.Intersect(causal.NewClock(result.Relation.Meet...))
		if already, err := dag.Compare(ctx, source, causal.NewClock(id), state.Head, DefaultBudget); err != nil {
			return err
		} else if already.Relation.Kind == dag.StrictAscends {
			// id is an ancestor of the current head; redelivering it must
			// stay a no-op rather than reinserting it as a fresh tip.
			return nil
		}
	case dag.BudgetExceeded:
		return &causal.BudgetExceededError{
			BaseError:       causal.BaseError{Op: "apply.ApplyEvent"},
			SubjectFrontier: result.Relation.SubjectFrontier,
			OtherFrontier:   result.Relation.OtherFrontier,
		}
	case dag.Disjoint:
		return &causal.DivergentHistoriesError{BaseError: causal.BaseError{
			Op:  "apply.ApplyEvent",
			Err: fmt.Errorf("event %s for entity %s shares no ancestor with its stored history", id, payload.EntityId),
		}}
	default:
		// CompareUnstoredEvent never returns StrictAscends at the top
		// level (it rewrites that case into DivergedSince); reaching
		// here means a relation kind this switch doesn't yet know about.
		return &causal.GeneralError{BaseError: causal.BaseError{
			Op:  "apply.ApplyEvent",
			Err: fmt.Errorf("unexpected relation %s comparing event parent against stored head", result.Relation.Kind),
		}}
	}

	buffers, err := mergeOpsInto(a.backends, state.StateBuffers, payload.Operations)
	if err != nil {
		return err
	}
	newHead := PruneHeads(state.Head, id, superseded)

	return a.storage.SetState(ctx, causal.Unattested(causal.EntityState{
		EntityId:   payload.EntityId,
		Collection: collection,
		State:      causal.State{StateBuffers: buffers, Head: newHead},
	}))
}

// ApplyState merges an incoming state snapshot (e.g. replicated from a
// peer) into the locally stored state for the same entity. Unlike
// ApplyEvent, both clocks being compared are already-stored heads.
func (a *Applicator) ApplyState(ctx context.Context, incoming causal.Attested[causal.EntityState]) error {
	entityId := incoming.Payload.EntityId
	collection := incoming.Payload.Collection
	incomingState := incoming.Payload.State

	existing, err := a.storage.GetState(ctx, collection, entityId)
	if causal.IsEntityNotFound(err) {
		return a.storage.SetState(ctx, incoming)
	}
	if err != nil {
		return err
	}

	local := existing.Payload.State
	if local.Head.Equal(incomingState.Head) {
		return nil
	}

	source := NewStorageEventSource(a.storage, collection)
	result, err := dag.Compare(ctx, source, incomingState.Head, local.Head, DefaultBudget)
	if err != nil {
		return err
	}

	switch result.Relation.Kind {
	case dag.StrictAscends:
		// Incoming is older than what we already have; nothing to merge.
		return nil
	case dag.BudgetExceeded:
		return &causal.BudgetExceededError{
			BaseError:       causal.BaseError{Op: "apply.ApplyState"},
			SubjectFrontier: result.Relation.SubjectFrontier,
			OtherFrontier:   result.Relation.OtherFrontier,
		}
	}

	buffers, err := mergeBuffersInto(a.backends, local.StateBuffers, incomingState.StateBuffers)
	if err != nil {
		return err
	}

	var newHead causal.Clock
	if result.Relation.Kind == dag.StrictDescends {
		newHead = incomingState.Head
	} else {
		// DivergedSince or Disjoint: keep every tip as concurrent; the
		// backends above have already converged the property values
		// (spec.md's "multi-head, single-tip" property for LWW fields).
		newHead = local.Head.Union(incomingState.Head)
	}

	return a.storage.SetState(ctx, causal.Unattested(causal.EntityState{
		EntityId:   entityId,
		Collection: collection,
		State:      causal.State{StateBuffers: buffers, Head: newHead},
	}))
}

// PropertyValues decodes every backend buffer in state and returns the
// union of their materialized property maps, for read paths (the query
// planner's bound-fetch, the filter engine) that need typed values rather
// than raw buffers.
func (a *Applicator) PropertyValues(state causal.State) (map[string]causal.Value, error) {
	out := make(map[string]causal.Value)
	for name, buf := range state.StateBuffers {
		b, err := loadBackend(a.backends, name, buf)
		if err != nil {
			return nil, err
		}
		for k, v := range b.PropertyValues() {
			out[k] = v
		}
	}
	return out, nil
}
