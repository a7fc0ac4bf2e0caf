// Package apply implements the entity applicator (spec.md §4.2): folding a
// new Event into an entity's stored State through its property backends,
// and merging whole State snapshots received from a peer.
package apply

import (
	"context"

	"causalstore/pkg/causal"
)

// StorageEventSource adapts a causal.StorageCollection into the narrower
// causal.EventSource the dag package depends on, fetching one event at a
// time through GetEvents. EventId is a content hash of the full event
// (including Collection), so a single id is enough to identify it; the
// collection is only needed to satisfy StorageCollection's signature.
type StorageEventSource struct {
	storage    causal.StorageCollection
	collection causal.CollectionId
}

func NewStorageEventSource(storage causal.StorageCollection, collection causal.CollectionId) *StorageEventSource {
	return &StorageEventSource{storage: storage, collection: collection}
}

func (s *StorageEventSource) RetrieveEvent(ctx context.Context, id causal.EventId) (causal.Event, error) {
	events, err := s.storage.GetEvents(ctx, s.collection, []causal.EventId{id})
	if err != nil {
		return causal.Event{}, err
	}
	if len(events) == 0 {
		return causal.Event{}, &causal.EventNotFoundError{
			BaseError: causal.BaseError{Op: "StorageEventSource.RetrieveEvent"},
			EventId:   id,
		}
	}
	return events[0].Payload, nil
}
