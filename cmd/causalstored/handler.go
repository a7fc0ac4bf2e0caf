package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/apply"
	"causalstore/pkg/causal/postgres"
	"causalstore/pkg/causal/reactive"
	"causalstore/pkg/causal/transport"
)

// nodeHandler implements transport.Handler, dispatching every inbound
// peer request to this node's storage, applicator, and reactive engine.
// It is the thing that turns a bare gRPC-shaped transport into an actual
// causalstore peer.
type nodeHandler struct {
	store      *postgres.Store
	applicator *apply.Applicator
	reactive   *reactive.Engine
	log        zerolog.Logger

	mu     sync.Mutex
	cancel map[causal.QueryId]func()
}

func newNodeHandler(store *postgres.Store, applicator *apply.Applicator, engine *reactive.Engine, log zerolog.Logger) *nodeHandler {
	return &nodeHandler{
		store:      store,
		applicator: applicator,
		reactive:   engine,
		log:        log.With().Str("component", "node.handler").Logger(),
		cancel:     make(map[causal.QueryId]func()),
	}
}

func (h *nodeHandler) OnSubscribeQuery(ctx context.Context, body *transport.SubscribeQueryBody, push transport.PushSender) (*transport.SubscriptionUpdateBody, error) {
	lq, err := h.reactive.Register(ctx, body.QueryId, body.Collection, body.Selection)
	if err != nil {
		return nil, fmt.Errorf("subscribe query %s: %w", body.QueryId, err)
	}

	ch, cancel := lq.Subscribe()
	h.mu.Lock()
	h.cancel[body.QueryId] = cancel
	h.mu.Unlock()
	go h.pump(body.QueryId, body.Collection, ch, push)

	items, err := h.snapshotItems(ctx, body.Collection, body.Selection, body.KnownMatches)
	if err != nil {
		h.dropSubscription(body.QueryId)
		return nil, err
	}
	return &transport.SubscriptionUpdateBody{QueryId: body.QueryId, Items: items}, nil
}

// pump forwards a LiveQuery's ChangeSets to the peer as SubscriptionUpdate
// pushes for as long as the underlying channel stays open (Unsubscribe
// closes it via the LiveQuery's own cancel, not from here).
func (h *nodeHandler) pump(queryID causal.QueryId, collection causal.CollectionId, ch <-chan reactive.ChangeSet, push transport.PushSender) {
	for cs := range ch {
		items := make([]transport.SubscriptionUpdateItem, 0, len(cs.Added)+len(cs.Updated)+len(cs.Removed))
		for _, id := range cs.Added {
			items = append(items, h.itemFor(collection, id, true))
		}
		for _, id := range cs.Updated {
			items = append(items, h.itemFor(collection, id, true))
		}
		for _, id := range cs.Removed {
			items = append(items, transport.SubscriptionUpdateItem{EntityId: id, Collection: collection, PredicateRelevance: false})
		}
		if err := push.Push(&transport.SubscriptionUpdateBody{QueryId: queryID, Items: items}); err != nil {
			h.log.Warn().Err(err).Str("query", queryID.String()).Msg("failed to push subscription update, stopping pump")
			return
		}
	}
}

func (h *nodeHandler) itemFor(collection causal.CollectionId, id causal.EntityId, relevant bool) transport.SubscriptionUpdateItem {
	state, err := h.store.GetState(context.Background(), collection, id)
	if err != nil {
		return transport.SubscriptionUpdateItem{EntityId: id, Collection: collection, PredicateRelevance: relevant}
	}
	return transport.SubscriptionUpdateItem{EntityId: id, Collection: collection, State: &state, PredicateRelevance: relevant}
}

func (h *nodeHandler) snapshotItems(ctx context.Context, collection causal.CollectionId, selection causal.Selection, known []causal.EntityId) ([]transport.SubscriptionUpdateItem, error) {
	states, err := h.store.FetchStates(ctx, collection, selection)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", collection, err)
	}
	alreadyKnown := make(map[causal.EntityId]struct{}, len(known))
	for _, id := range known {
		alreadyKnown[id] = struct{}{}
	}

	items := make([]transport.SubscriptionUpdateItem, 0, len(states))
	for _, s := range states {
		item := transport.SubscriptionUpdateItem{EntityId: s.Payload.EntityId, Collection: collection, PredicateRelevance: true}
		if _, ok := alreadyKnown[s.Payload.EntityId]; !ok {
			st := s
			item.State = &st
		}
		items = append(items, item)
	}
	return items, nil
}

func (h *nodeHandler) OnUnsubscribe(ctx context.Context, body *transport.UnsubscribeBody) error {
	h.reactive.UnregisterByID(body.QueryId)
	h.dropSubscription(body.QueryId)
	return nil
}

// dropSubscription cancels the local pump goroutine's channel, if one is
// still registered for queryID.
func (h *nodeHandler) dropSubscription(queryID causal.QueryId) {
	h.mu.Lock()
	cancel, ok := h.cancel[queryID]
	delete(h.cancel, queryID)
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

func (h *nodeHandler) OnGet(ctx context.Context, body *transport.GetBody) (*transport.GetResultBody, error) {
	states := make([]causal.Attested[causal.EntityState], 0, len(body.Ids))
	for _, id := range body.Ids {
		s, err := h.store.GetState(ctx, body.Collection, id)
		if err != nil {
			if causal.IsEntityNotFound(err) {
				continue
			}
			return nil, err
		}
		states = append(states, s)
	}
	return &transport.GetResultBody{States: states}, nil
}

func (h *nodeHandler) OnGetEvents(ctx context.Context, body *transport.GetEventsBody) (*transport.GetEventsResultBody, error) {
	events, err := h.store.GetEvents(ctx, body.Collection, body.Ids)
	if err != nil {
		return nil, err
	}
	return &transport.GetEventsResultBody{Events: events}, nil
}

func (h *nodeHandler) OnFetch(ctx context.Context, body *transport.FetchBody) (*transport.FetchResultBody, error) {
	states, err := h.store.FetchStates(ctx, body.Collection, body.Selection)
	if err != nil {
		return nil, err
	}
	return &transport.FetchResultBody{States: states}, nil
}

func (h *nodeHandler) OnCommitTransaction(ctx context.Context, body *transport.CommitTransactionBody) (*transport.CommitCompleteBody, error) {
	for _, event := range body.Events {
		// ApplyEvent persists the event itself (storage.AddEvent) before
		// merging it into the entity's state, so no separate AddEvent
		// call is needed here.
		if err := h.applicator.ApplyEvent(ctx, event.Payload.Collection, event); err != nil {
			return nil, fmt.Errorf("commit %s: apply event: %w", body.TransactionId, err)
		}
	}
	return &transport.CommitCompleteBody{TransactionId: body.TransactionId}, nil
}

var _ transport.Handler = (*nodeHandler)(nil)
