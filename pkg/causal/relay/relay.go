package relay

import (
	"context"
	"fmt"
	"sync"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/internal/safemap"
)

// MessageSender is the peer transport capability the relay drives: sending
// a subscribe/unsubscribe request to a specific peer. A transport adapter
// (e.g. pkg/causal/transport's gRPC client) implements this; the relay
// itself never knows about wire encoding.
type MessageSender[CD any] interface {
	PeerSubscribe(ctx context.Context, peer causal.EntityId, queryID causal.QueryId, collection causal.CollectionId, selection causal.Selection, contextData CD) error
	PeerUnsubscribe(ctx context.Context, peer causal.EntityId, queryID causal.QueryId) error
}

type record[CD any] struct {
	Collection causal.CollectionId
	Selection  causal.Selection
	Context    CD
	State      State
}

// AlreadySetError is returned by SetMessageSender when a sender is already
// configured; the relay only accepts one for its lifetime.
type AlreadySetError struct{ causal.BaseError }

func newAlreadySet() error {
	return &AlreadySetError{BaseError: causal.BaseError{Op: "relay.SetMessageSender", Err: fmt.Errorf("message sender already set")}}
}

// Relay manages subscription state and remote subscription setup/teardown
// for one node. CD is the caller-supplied context/authorization data
// threaded through to the peer transport and de-duplicated by
// ContextsForPeer, hence the comparable constraint.
type Relay[CD comparable] struct {
	subscriptions  *safemap.Map[causal.QueryId, record[CD]]
	connectedPeers *safemap.Set[causal.EntityId]

	senderMu sync.Mutex
	sender   MessageSender[CD]
}

func New[CD comparable]() *Relay[CD] {
	return &Relay[CD]{
		subscriptions:  safemap.NewMap[causal.QueryId, record[CD]](),
		connectedPeers: safemap.NewSet[causal.EntityId](),
	}
}

// SetMessageSender injects the transport used for all subsequent setup
// passes. Must be called once; a second call returns AlreadySetError.
func (r *Relay[CD]) SetMessageSender(sender MessageSender[CD]) error {
	r.senderMu.Lock()
	defer r.senderMu.Unlock()
	if r.sender != nil {
		return newAlreadySet()
	}
	r.sender = sender
	return nil
}

func (r *Relay[CD]) getSender() (MessageSender[CD], bool) {
	r.senderMu.Lock()
	defer r.senderMu.Unlock()
	return r.sender, r.sender != nil
}

// SubscribeQuery registers a new query for remote setup (spec.md §4.5).
func (r *Relay[CD]) SubscribeQuery(queryID causal.QueryId, collection causal.CollectionId, selection causal.Selection, contextData CD, version int) {
	r.subscriptions.Set(queryID, record[CD]{
		Collection: collection,
		Selection:  selection,
		Context:    contextData,
		State:      PendingRemote(version),
	})
	if !r.connectedPeers.IsEmpty() {
		r.setupRemoteSubscriptions()
	}
}

// UpdateQuery changes a registered query's selection and bumps its
// version. An Established record moves to PendingUpdate against its
// current peer and a setup pass re-requests it immediately; anything else
// resets to PendingRemote and waits for the next available peer.
func (r *Relay[CD]) UpdateQuery(queryID causal.QueryId, selection causal.Selection, version int) {
	found := r.subscriptions.Update(queryID, func(rec record[CD]) record[CD] {
		rec.Selection = selection
		if rec.State.IsEstablished() {
			rec.State = PendingUpdate(rec.State.Peer, version)
		} else {
			rec.State = PendingRemote(version)
		}
		return rec
	})
	if found {
		r.setupRemoteSubscriptions()
	}
}

// Unsubscribe removes a registered query. If it was Established, a
// best-effort unsubscribe is fired at the peer in the background; its
// outcome is deliberately ignored (spec.md §4.5: "best-effort, ignoring
// errors").
func (r *Relay[CD]) Unsubscribe(queryID causal.QueryId) {
	rec, ok := r.subscriptions.Get(queryID)
	r.subscriptions.Delete(queryID)
	if !ok || !rec.State.IsEstablished() {
		return
	}
	sender, ok := r.getSender()
	if !ok {
		return
	}
	peer := rec.State.Peer
	go func() {
		_ = sender.PeerUnsubscribe(context.Background(), peer, queryID)
	}()
}

// NotifyPeerConnected marks peer as available and triggers a setup pass.
func (r *Relay[CD]) NotifyPeerConnected(peer causal.EntityId) {
	r.connectedPeers.Insert(peer)
	r.setupRemoteSubscriptions()
}

// NotifyPeerDisconnected marks peer as unavailable, orphans every record
// currently Established or Requested with it back to PendingRemote, and
// triggers a setup pass (in case other peers remain connected).
func (r *Relay[CD]) NotifyPeerDisconnected(peer causal.EntityId) {
	r.connectedPeers.Remove(peer)
	for _, entry := range r.subscriptions.Snapshot() {
		queryID, rec := entry.Key, entry.Value
		if (rec.State.IsEstablished() || rec.State.IsRequested()) && rec.State.Peer == peer {
			r.subscriptions.Update(queryID, func(rec record[CD]) record[CD] {
				rec.State = PendingRemote(rec.State.Version)
				return rec
			})
		}
	}
	r.setupRemoteSubscriptions()
}

// Status returns the current state of a registered query, or false if
// none is registered under that id.
func (r *Relay[CD]) Status(queryID causal.QueryId) (State, bool) {
	rec, ok := r.subscriptions.Get(queryID)
	return rec.State, ok
}

// ContextsForPeer returns the distinct context data of every query
// currently Requested, Established or PendingUpdate with peer (every state
// that carries a peer).
func (r *Relay[CD]) ContextsForPeer(peer causal.EntityId) []CD {
	seen := make(map[CD]struct{})
	var out []CD
	for _, entry := range r.subscriptions.Snapshot() {
		rec := entry.Value
		if !rec.State.HasPeer() || rec.State.Peer != peer {
			continue
		}
		if _, dup := seen[rec.Context]; dup {
			continue
		}
		seen[rec.Context] = struct{}{}
		out = append(out, rec.Context)
	}
	return out
}

// setupRemoteSubscriptions drives every PendingRemote/PendingUpdate record
// forward: it atomically flips each to Requested under the subscription
// map's lock (preventing a concurrent pass from double-requesting the same
// query), then spawns one goroutine per record to await the peer's
// response and finalize the transition.
func (r *Relay[CD]) setupRemoteSubscriptions() {
	sender, ok := r.getSender()
	if !ok {
		return
	}
	connected := r.connectedPeers.Snapshot()
	if len(connected) == 0 {
		return
	}
	defaultTarget := connected[0]

	for _, entry := range r.subscriptions.Snapshot() {
		queryID, rec := entry.Key, entry.Value
		if !rec.State.needsSetup() {
			continue
		}

		target := defaultTarget
		if rec.State.IsPendingUpdate() {
			target = rec.State.Peer
		}
		version := rec.State.Version

		flipped := r.subscriptions.Update(queryID, func(rec record[CD]) record[CD] {
			if !rec.State.needsSetup() || rec.State.Version != version {
				return rec
			}
			rec.State = Requested(target, version)
			return rec
		})
		if !flipped {
			continue
		}

		go r.finalizeSetup(sender, queryID, target, version)
	}
}

// finalizeSetup awaits the peer's response for one in-flight subscribe
// request and commits the outcome, unless a newer local transition (a
// reconnect, a further update, a disconnect) has already moved the record
// past the version this request was for.
func (r *Relay[CD]) finalizeSetup(sender MessageSender[CD], queryID causal.QueryId, target causal.EntityId, version int) {
	rec, ok := r.subscriptions.Get(queryID)
	if !ok {
		return
	}

	err := sender.PeerSubscribe(context.Background(), target, queryID, rec.Collection, rec.Selection, rec.Context)

	r.subscriptions.Update(queryID, func(rec record[CD]) record[CD] {
		if !rec.State.IsRequested() || rec.State.Version != version || rec.State.Peer != target {
			return rec // stale completion: a later transition already moved past this request
		}
		switch {
		case err == nil:
			rec.State = Established(target, version)
		case causal.Retryable(err):
			rec.State = PendingRemote(version)
		default:
			rec.State = Failed(version, err.Error())
		}
		return rec
	})
}
