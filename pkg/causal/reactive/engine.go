package reactive

import (
	"context"
	"fmt"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/backend"
	"causalstore/pkg/causal/internal/safemap"
)

// Engine owns every live LiveQuery on this node, routing a change-feed
// notification for (collection, entityID) to every query registered
// against that collection. It is the piece a transport.Handler sits in
// front of: OnSubscribeQuery registers a LiveQuery here and relays its
// ChangeSets onward as SubscriptionUpdate pushes.
type Engine struct {
	storage  causal.StorageCollection
	backends *backend.Registry

	byCollection *safemap.Map[causal.CollectionId, *safemap.Map[causal.QueryId, *LiveQuery]]
}

// NewEngine builds an Engine backed by storage for both the initial Seed
// scan and every subsequent Notify-driven re-fetch.
func NewEngine(storage causal.StorageCollection, backends *backend.Registry) *Engine {
	return &Engine{
		storage:      storage,
		backends:     backends,
		byCollection: safemap.NewMap[causal.CollectionId, *safemap.Map[causal.QueryId, *LiveQuery]](),
	}
}

// Register seeds and installs a new LiveQuery, returning it so the caller
// can Subscribe to its ChangeSets.
func (e *Engine) Register(ctx context.Context, id causal.QueryId, collection causal.CollectionId, selection causal.Selection) (*LiveQuery, error) {
	lq := NewLiveQuery(id, collection, selection, e.storage, e.backends)
	if err := lq.Seed(ctx); err != nil {
		return nil, fmt.Errorf("reactive: seed query %s: %w", id, err)
	}

	queries, _ := e.byCollection.Get(collection)
	if queries == nil {
		queries = safemap.NewMap[causal.QueryId, *LiveQuery]()
		e.byCollection.Set(collection, queries)
	}
	queries.Set(id, lq)
	return lq, nil
}

// Unregister drops a query; its subscribers will see no further
// ChangeSets (callers should unsubscribe their own channels first).
func (e *Engine) Unregister(collection causal.CollectionId, id causal.QueryId) {
	if queries, ok := e.byCollection.Get(collection); ok {
		queries.Delete(id)
	}
}

// UnregisterByID drops a query without knowing which collection it was
// registered under, for callers (like the transport Unsubscribe path)
// whose wire message carries only a QueryId. Returns whether a query was
// found and removed.
func (e *Engine) UnregisterByID(id causal.QueryId) bool {
	found := false
	for _, collEntry := range e.byCollection.Snapshot() {
		if _, ok := collEntry.Value.Get(id); ok {
			collEntry.Value.Delete(id)
			found = true
		}
	}
	return found
}

// Lookup returns an already-registered LiveQuery, if any.
func (e *Engine) Lookup(collection causal.CollectionId, id causal.QueryId) (*LiveQuery, bool) {
	queries, ok := e.byCollection.Get(collection)
	if !ok {
		return nil, false
	}
	return queries.Get(id)
}

// Notify re-evaluates entityID against every LiveQuery registered for
// collection. Errors from individual queries are collected but do not
// stop the fan-out to the rest.
func (e *Engine) Notify(ctx context.Context, collection causal.CollectionId, entityID causal.EntityId) error {
	queries, ok := e.byCollection.Get(collection)
	if !ok {
		return nil
	}

	var firstErr error
	for _, entry := range queries.Snapshot() {
		if err := entry.Value.Notify(ctx, entityID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("reactive: query %s: %w", entry.Key, err)
		}
	}
	return firstErr
}
