// Package relay implements the Subscription Relay (spec.md §4.5): an
// event-driven state machine that maps locally-registered queries onto
// remote peer subscriptions, surviving peer connect/disconnect churn and
// local selection updates without ever blocking the caller on network I/O.
//
// Grounded in original_source/core/src/subscription_relay.rs, generalized
// from that file's three-state enum (PendingRemote/Established/Failed) to
// the richer five-state machine spec.md §4.5 specifies
// (PendingRemote/Requested/Established/Failed/PendingUpdate), so a local
// selection update can be observed mid-flight distinctly from an initial
// subscribe.
package relay

import "causalstore/pkg/causal"

// StateKind tags the State sum type.
type StateKind int

const (
	KindPendingRemote StateKind = iota
	KindRequested
	KindEstablished
	KindFailed
	KindPendingUpdate
)

// State is a registered query's current position in the relay's state
// machine (spec.md §4.5's diagram). Represented as a tagged struct rather
// than one type per variant, consistent with this module's Predicate/Plan
// sum types.
type State struct {
	Kind    StateKind
	Peer    causal.EntityId
	Version int
	Reason  string // set only for Failed
}

func PendingRemote(version int) State { return State{Kind: KindPendingRemote, Version: version} }

func Requested(peer causal.EntityId, version int) State {
	return State{Kind: KindRequested, Peer: peer, Version: version}
}

func Established(peer causal.EntityId, version int) State {
	return State{Kind: KindEstablished, Peer: peer, Version: version}
}

func Failed(version int, reason string) State {
	return State{Kind: KindFailed, Version: version, Reason: reason}
}

func PendingUpdate(peer causal.EntityId, version int) State {
	return State{Kind: KindPendingUpdate, Peer: peer, Version: version}
}

func (s State) IsPendingRemote() bool { return s.Kind == KindPendingRemote }
func (s State) IsRequested() bool     { return s.Kind == KindRequested }
func (s State) IsEstablished() bool   { return s.Kind == KindEstablished }
func (s State) IsFailed() bool        { return s.Kind == KindFailed }
func (s State) IsPendingUpdate() bool { return s.Kind == KindPendingUpdate }

// HasPeer reports whether this state carries a peer (Requested,
// Established, PendingUpdate).
func (s State) HasPeer() bool {
	return s.Kind == KindRequested || s.Kind == KindEstablished || s.Kind == KindPendingUpdate
}

// needsSetup reports whether this state is one the relay's setup pass
// should attempt to drive forward: a fresh PendingRemote registration, or
// a PendingUpdate re-request against its already-known peer. Failed is
// deliberately excluded — spec.md §7 makes terminal failures not
// self-recovering without an explicit update_query or re-subscribe.
func (s State) needsSetup() bool {
	return s.Kind == KindPendingRemote || s.Kind == KindPendingUpdate
}
