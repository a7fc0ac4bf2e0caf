package apply

import (
	"context"
	"sync"

	"causalstore/pkg/causal"
)

// memStore is a minimal in-memory causal.StorageCollection test double.
type memStore struct {
	mu     sync.Mutex
	states map[causal.EntityId]causal.Attested[causal.EntityState]
	events map[causal.EventId]causal.Attested[causal.Event]
}

func newMemStore() *memStore {
	return &memStore{
		states: make(map[causal.EntityId]causal.Attested[causal.EntityState]),
		events: make(map[causal.EventId]causal.Attested[causal.Event]),
	}
}

func (m *memStore) SetState(_ context.Context, state causal.Attested[causal.EntityState]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Payload.EntityId] = state
	return nil
}

func (m *memStore) GetState(_ context.Context, _ causal.CollectionId, id causal.EntityId) (causal.Attested[causal.EntityState], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return causal.Attested[causal.EntityState]{}, &causal.EntityNotFoundError{
			BaseError: causal.BaseError{Op: "memStore.GetState"},
			EntityId:  id,
		}
	}
	return s, nil
}

func (m *memStore) FetchStates(_ context.Context, collection causal.CollectionId, _ causal.Selection) ([]causal.Attested[causal.EntityState], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []causal.Attested[causal.EntityState]
	for _, s := range m.states {
		if s.Payload.Collection == collection {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) AddEvent(_ context.Context, event causal.Attested[causal.Event]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.Payload.Id()] = event
	return nil
}

func (m *memStore) GetEvents(_ context.Context, _ causal.CollectionId, ids []causal.EventId) ([]causal.Attested[causal.Event], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]causal.Attested[causal.Event], 0, len(ids))
	for _, id := range ids {
		if e, ok := m.events[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) DumpEntityEvents(_ context.Context, _ causal.CollectionId, id causal.EntityId) ([]causal.Attested[causal.Event], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []causal.Attested[causal.Event]
	for _, e := range m.events {
		if e.Payload.EntityId == id {
			out = append(out, e)
		}
	}
	return out, nil
}
