package reactive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/filter"
	"causalstore/pkg/causal/reactive"
)

// fakeRow adapts a decoded state's materialized properties into
// filter.Filterable, the same shape pkg/causal/postgres and this
// package's own LiveQuery build internally.
type fakeRow struct {
	collection causal.CollectionId
	props      map[string]causal.Value
}

func (r fakeRow) Collection() causal.CollectionId { return r.collection }
func (r fakeRow) Value(name string) (causal.Value, bool) {
	v, ok := r.props[name]
	return v, ok
}

// fakeStore is a minimal causal.StorageCollection test double that
// actually honors Selection.Predicate in FetchStates, unlike the simpler
// double in pkg/causal/apply's own tests, since this package's Seed
// behavior depends on it.
type fakeStore struct {
	mu       sync.Mutex
	states   map[causal.EntityId]causal.Attested[causal.EntityState]
	backends *backend.Registry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:   make(map[causal.EntityId]causal.Attested[causal.EntityState]),
		backends: backend.NewRegistry(),
	}
}

func (s *fakeStore) set(id causal.EntityId, collection causal.CollectionId, field string, value causal.Value, eventID causal.EventId) {
	op, err := backend.EncodeLWWSet(field, value, eventID)
	if err != nil {
		panic(err)
	}
	lww := backend.NewLWW()
	if err := lww.ApplyOps([][]byte{op}); err != nil {
		panic(err)
	}
	buf, err := lww.EmitState()
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = causal.Unattested(causal.EntityState{
		EntityId:   id,
		Collection: collection,
		State: causal.State{
			StateBuffers: map[string][]byte{backend.LWWName: buf},
			Head:         causal.NewClock(eventID),
		},
	})
}

func (s *fakeStore) delete(id causal.EntityId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

func (s *fakeStore) propertyValues(state causal.State) map[string]causal.Value {
	out := map[string]causal.Value{}
	for name, buf := range state.StateBuffers {
		b, _ := s.backends.New(name)
		if len(buf) > 0 {
			_ = b.MergeState(buf)
		}
		for k, v := range b.PropertyValues() {
			out[k] = v
		}
	}
	return out
}

func (s *fakeStore) SetState(_ context.Context, state causal.Attested[causal.EntityState]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Payload.EntityId] = state
	return nil
}

func (s *fakeStore) GetState(_ context.Context, _ causal.CollectionId, id causal.EntityId) (causal.Attested[causal.EntityState], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return causal.Attested[causal.EntityState]{}, &causal.EntityNotFoundError{
			BaseError: causal.BaseError{Op: "fakeStore.GetState"},
			EntityId:  id,
		}
	}
	return st, nil
}

func (s *fakeStore) FetchStates(_ context.Context, collection causal.CollectionId, selection causal.Selection) ([]causal.Attested[causal.EntityState], error) {
	s.mu.Lock()
	var candidates []causal.Attested[causal.EntityState]
	var rows []fakeRow
	for _, st := range s.states {
		if st.Payload.Collection != collection {
			continue
		}
		candidates = append(candidates, st)
		rows = append(rows, fakeRow{collection: collection, props: s.propertyValues(st.Payload.State)})
	}
	s.mu.Unlock()

	results := filter.Apply(rows, selection.Predicate)
	var out []causal.Attested[causal.EntityState]
	for i, r := range results {
		if r.Kind == filter.Pass {
			out = append(out, candidates[i])
		}
	}
	return out, nil
}

func (s *fakeStore) AddEvent(_ context.Context, _ causal.Attested[causal.Event]) error { return nil }

func (s *fakeStore) GetEvents(_ context.Context, _ causal.CollectionId, _ []causal.EventId) ([]causal.Attested[causal.Event], error) {
	return nil, nil
}

func (s *fakeStore) DumpEntityEvents(_ context.Context, _ causal.CollectionId, _ causal.EntityId) ([]causal.Attested[causal.Event], error) {
	return nil, nil
}

func activePredicate() causal.Predicate {
	return causal.Comparison(
		causal.PathExprOf(causal.NewPath("status")),
		causal.OpEqual,
		causal.LiteralExpr(causal.StringValue("active")),
	)
}

func TestLiveQuerySeedMatchesExistingEntities(t *testing.T) {
	store := newFakeStore()
	idA, idB := causal.NewEntityId(), causal.NewEntityId()
	var e1, e2 causal.EventId
	e1[0], e2[0] = 1, 2
	store.set(idA, "album", "status", causal.StringValue("active"), e1)
	store.set(idB, "album", "status", causal.StringValue("retired"), e2)

	lq := reactive.NewLiveQuery(causal.NewQueryId(), "album", causal.Selection{Predicate: activePredicate()}, store, backend.NewRegistry())
	require.NoError(t, lq.Seed(context.Background()))

	ch, cancel := lq.Subscribe()
	defer cancel()

	var e3 causal.EventId
	e3[0] = 3
	store.set(idA, "album", "status", causal.StringValue("active"), e3)
	require.NoError(t, lq.Notify(context.Background(), idA))

	select {
	case cs := <-ch:
		assert.Equal(t, []causal.EntityId{idA}, cs.Updated)
		assert.Empty(t, cs.Added)
		assert.Empty(t, cs.Removed)
	case <-time.After(time.Second):
		t.Fatal("expected an Updated ChangeSet")
	}
}

func TestLiveQueryEmitsAddedAndRemoved(t *testing.T) {
	store := newFakeStore()
	id := causal.NewEntityId()
	var e1 causal.EventId
	e1[0] = 10
	store.set(id, "album", "status", causal.StringValue("retired"), e1)

	lq := reactive.NewLiveQuery(causal.NewQueryId(), "album", causal.Selection{Predicate: activePredicate()}, store, backend.NewRegistry())
	require.NoError(t, lq.Seed(context.Background()))

	ch, cancel := lq.Subscribe()
	defer cancel()

	var e2 causal.EventId
	e2[0] = 11
	store.set(id, "album", "status", causal.StringValue("active"), e2)
	require.NoError(t, lq.Notify(context.Background(), id))

	select {
	case cs := <-ch:
		assert.Equal(t, []causal.EntityId{id}, cs.Added)
	case <-time.After(time.Second):
		t.Fatal("expected an Added ChangeSet")
	}

	store.delete(id)
	require.NoError(t, lq.Notify(context.Background(), id))

	select {
	case cs := <-ch:
		assert.Equal(t, []causal.EntityId{id}, cs.Removed)
	case <-time.After(time.Second):
		t.Fatal("expected a Removed ChangeSet")
	}
}

func TestEngineRoutesNotificationsByCollection(t *testing.T) {
	store := newFakeStore()
	id := causal.NewEntityId()
	var e1 causal.EventId
	e1[0] = 20
	store.set(id, "track", "status", causal.StringValue("retired"), e1)

	engine := reactive.NewEngine(store, backend.NewRegistry())
	lq, err := engine.Register(context.Background(), causal.NewQueryId(), "track", causal.Selection{Predicate: activePredicate()})
	require.NoError(t, err)

	ch, cancel := lq.Subscribe()
	defer cancel()

	var e2 causal.EventId
	e2[0] = 21
	store.set(id, "track", "status", causal.StringValue("active"), e2)

	// A notification for an unrelated collection must not reach this query.
	require.NoError(t, engine.Notify(context.Background(), "album", causal.NewEntityId()))
	select {
	case <-ch:
		t.Fatal("unexpected ChangeSet from unrelated collection")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, engine.Notify(context.Background(), "track", id))
	select {
	case cs := <-ch:
		assert.Equal(t, []causal.EntityId{id}, cs.Added)
	case <-time.After(time.Second):
		t.Fatal("expected an Added ChangeSet from engine.Notify")
	}
}
