package causal

import "context"

// StorageCollection is the per-collection persistence contract (spec.md
// §6.1): state snapshots keyed by entity, plus the event log each state's
// Head covers. Implementations live under pkg/causal/postgres and in
// in-memory test doubles.
type StorageCollection interface {
	// SetState upserts the state for an entity, replacing whatever state
	// (if any) was previously stored under the same EntityId.
	SetState(ctx context.Context, state Attested[EntityState]) error

	// GetState fetches the current state for a single entity. Returns an
	// EntityNotFoundError if no state has ever been set.
	GetState(ctx context.Context, collection CollectionId, id EntityId) (Attested[EntityState], error)

	// FetchStates fetches states for every entity in a collection matching
	// selection, already filtered and ordered per its Predicate/OrderBy.
	FetchStates(ctx context.Context, collection CollectionId, selection Selection) ([]Attested[EntityState], error)

	// AddEvent appends a single event to an entity's log. Implementations
	// must be idempotent on Event.Id(): re-adding an already-stored event
	// is a no-op, not an error.
	AddEvent(ctx context.Context, event Attested[Event]) error

	// GetEvents retrieves events by id, in no particular order. Missing
	// ids are simply omitted from the result rather than erroring, so
	// callers performing DAG traversal can request a frontier's parents in
	// one round trip and detect gaps themselves.
	GetEvents(ctx context.Context, collection CollectionId, ids []EventId) ([]Attested[Event], error)

	// DumpEntityEvents returns every event ever recorded for an entity, in
	// no guaranteed order. Intended for diagnostics and test fixtures, not
	// the hot path.
	DumpEntityEvents(ctx context.Context, collection CollectionId, id EntityId) ([]Attested[Event], error)
}

// EventSource is the narrower read-only contract the causal comparator
// depends on (spec.md §4.1/§6.2): given an EventId it can retrieve, it must
// return the full Event so the comparator can walk to its parents. This is
// satisfied by StorageCollection.GetEvents but kept separate so the dag
// package can be grounded on a single-method interface without depending on
// collection-wide state.
type EventSource interface {
	// RetrieveEvent fetches one event by id. Returns an EventNotFoundError
	// if the id is unknown, which the comparator treats as a frontier it
	// cannot walk past.
	RetrieveEvent(ctx context.Context, id EventId) (Event, error)
}
