// Package reactive is the live-query contract spec.md §2 leaves "specified
// only at its contract": a LiveQuery holds a query's predicate plus its
// currently-matched entity set, and on each affected-entity notification
// re-filters just that entity (via pkg/causal/filter) rather than
// re-running the whole query, emitting a ChangeSet of what changed.
//
// Grounded in the teacher's streaming projection style
// (pkg/dcb/streaming_projection.go's pull-based iterator-over-a-channel),
// rendered here as a push-based fan-out instead: a mutex-guarded
// subscriber list per query, matching original_source's relay inner maps
// (pkg/causal/internal/safemap, built for the same reason in the relay
// package).
package reactive

import (
	"context"
	"sync"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/filter"
	"causalstore/pkg/causal/internal/safemap"
)

// ChangeSet reports how a LiveQuery's matched set moved since the last
// emission: entities that newly satisfy the predicate, ones whose state
// changed but remained matched, and ones that dropped out.
type ChangeSet struct {
	QueryId causal.QueryId
	Added   []causal.EntityId
	Updated []causal.EntityId
	Removed []causal.EntityId
}

func (cs ChangeSet) empty() bool {
	return len(cs.Added) == 0 && len(cs.Updated) == 0 && len(cs.Removed) == 0
}

// entityRow adapts a decoded EntityState into filter.Filterable, the same
// shape pkg/causal/postgres builds for its own FetchStates scan.
type entityRow struct {
	collection causal.CollectionId
	props      map[string]causal.Value
}

func (r entityRow) Collection() causal.CollectionId { return r.collection }
func (r entityRow) Value(name string) (causal.Value, bool) {
	v, ok := r.props[name]
	return v, ok
}

// LiveQuery tracks one subscribed selection over one collection. Safe for
// concurrent use: Notify may run from any number of goroutines delivering
// change-feed events, while Subscribe/Unsubscribe manage the fan-out list.
type LiveQuery struct {
	id         causal.QueryId
	collection causal.CollectionId
	selection  causal.Selection
	storage    causal.StorageCollection
	backends   *backend.Registry

	mu      sync.Mutex
	matched map[causal.EntityId]struct{}

	subs    *safemap.Map[int, chan ChangeSet]
	nextSub int
}

// NewLiveQuery builds a LiveQuery; call Seed once before Notify-ing it to
// establish the initial matched set without emitting a spurious ChangeSet.
func NewLiveQuery(id causal.QueryId, collection causal.CollectionId, selection causal.Selection, storage causal.StorageCollection, backends *backend.Registry) *LiveQuery {
	return &LiveQuery{
		id:         id,
		collection: collection,
		selection:  selection,
		storage:    storage,
		backends:   backends,
		matched:    make(map[causal.EntityId]struct{}),
		subs:       safemap.NewMap[int, chan ChangeSet](),
	}
}

// Id returns the query's identity.
func (lq *LiveQuery) Id() causal.QueryId { return lq.id }

// Seed runs the selection once and records its matches, without emitting.
func (lq *LiveQuery) Seed(ctx context.Context) error {
	states, err := lq.storage.FetchStates(ctx, lq.collection, lq.selection)
	if err != nil {
		return err
	}
	lq.mu.Lock()
	defer lq.mu.Unlock()
	for _, s := range states {
		lq.matched[s.Payload.EntityId] = struct{}{}
	}
	return nil
}

// Subscribe registers a new receiver of this query's ChangeSets. cancel
// removes it and closes ch.
func (lq *LiveQuery) Subscribe() (ch <-chan ChangeSet, cancel func()) {
	id := lq.nextSubID()
	c := make(chan ChangeSet, 16)
	lq.subs.Set(id, c)
	return c, func() {
		lq.subs.Delete(id)
		close(c)
	}
}

func (lq *LiveQuery) nextSubID() int {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.nextSub++
	return lq.nextSub
}

// Notify re-evaluates a single changed entity against this query's
// predicate and, if the entity's membership in the matched set moved,
// broadcasts a ChangeSet to every subscriber. Removal (the entity no
// longer existing, or GetState failing with EntityNotFoundError) is
// handled the same as a predicate miss.
func (lq *LiveQuery) Notify(ctx context.Context, entityID causal.EntityId) error {
	state, err := lq.storage.GetState(ctx, lq.collection, entityID)
	if err != nil {
		if causal.IsEntityNotFound(err) {
			lq.transition(entityID, false)
			return nil
		}
		return err
	}

	props, err := lq.propertyValues(state.Payload.State)
	if err != nil {
		return err
	}
	row := entityRow{collection: lq.collection, props: props}
	matches, err := filter.EvaluatePredicate(row, lq.selection.Predicate)
	if err != nil {
		return err
	}
	lq.transition(entityID, matches)
	return nil
}

// transition updates the matched set for one entity and emits the
// resulting ChangeSet, if anything actually changed.
func (lq *LiveQuery) transition(entityID causal.EntityId, matches bool) {
	lq.mu.Lock()
	_, was := lq.matched[entityID]
	var cs ChangeSet
	switch {
	case matches && !was:
		lq.matched[entityID] = struct{}{}
		cs = ChangeSet{QueryId: lq.id, Added: []causal.EntityId{entityID}}
	case matches && was:
		cs = ChangeSet{QueryId: lq.id, Updated: []causal.EntityId{entityID}}
	case !matches && was:
		delete(lq.matched, entityID)
		cs = ChangeSet{QueryId: lq.id, Removed: []causal.EntityId{entityID}}
	}
	lq.mu.Unlock()

	if cs.empty() {
		return
	}
	for _, entry := range lq.subs.Snapshot() {
		select {
		case entry.Value <- cs:
		default:
		}
	}
}

// propertyValues mirrors pkg/causal/postgres.Store.propertyValues's decode
// loop (itself mirroring apply.Applicator.PropertyValues) rather than
// importing either, keeping the reactive layer's dependency only on the
// core backend registry, not on the application or storage layers.
func (lq *LiveQuery) propertyValues(state causal.State) (map[string]causal.Value, error) {
	out := make(map[string]causal.Value, len(state.StateBuffers))
	for name, buf := range state.StateBuffers {
		b, err := lq.backends.New(name)
		if err != nil {
			return nil, err
		}
		if len(buf) > 0 {
			if err := b.MergeState(buf); err != nil {
				return nil, err
			}
		}
		for k, v := range b.PropertyValues() {
			out[k] = v
		}
	}
	return out, nil
}
