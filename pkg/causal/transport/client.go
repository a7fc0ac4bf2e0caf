package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"causalstore/pkg/causal"
	"causalstore/pkg/causal/internal/safemap"
)

// PeerDialer resolves a peer's logical EntityId to a dialable network
// target ("host:port"), letting the caller own peer discovery (static
// config, a membership service, DNS) independently of this package.
type PeerDialer func(peer causal.EntityId) (target string, err error)

// UpdateHandler receives a SubscriptionUpdate pushed by a peer, outside
// the request/response pairing used for the rest of the protocol.
type UpdateHandler func(peer causal.EntityId, body *SubscriptionUpdateBody)

// Client implements relay.MessageSender[CD] over the hand-declared
// Communicate service: one persistent stream per peer, requests
// correlated by RequestId, reconnected with backoff on failure.
type Client[CD any] struct {
	log           zerolog.Logger
	dialer        PeerDialer
	encodeContext func(CD) ([]byte, error)
	onUpdate      UpdateHandler
	newBackOff    func() backoff.BackOff

	conns *safemap.Map[causal.EntityId, *peerConn]
}

// NewClient builds a Client. encodeContext serializes the caller's CD type
// into the opaque ContextData bytes carried on SubscribeQuery; onUpdate is
// invoked on every SubscriptionUpdate push, from the stream's own receive
// goroutine (callers that need to hand it off elsewhere should do so
// non-blockingly).
func NewClient[CD any](dialer PeerDialer, encodeContext func(CD) ([]byte, error), onUpdate UpdateHandler, log zerolog.Logger) *Client[CD] {
	return &Client[CD]{
		log:           log.With().Str("component", "transport.client").Logger(),
		dialer:        dialer,
		encodeContext: encodeContext,
		onUpdate:      onUpdate,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			b.MaxInterval = 30 * time.Second
			return b
		},
		conns: safemap.NewMap[causal.EntityId, *peerConn](),
	}
}

// peerConn is one persistent Communicate stream to a peer, with pending
// requests correlated by RequestId and a dedicated send lock since the
// request loop and reconnect logic may both write to the stream.
type peerConn struct {
	cc      *grpc.ClientConn
	stream  grpc.ClientStream
	sendMu  sync.Mutex
	pending *safemap.Map[causal.RequestId, chan *Envelope]
}

func (pc *peerConn) send(env *Envelope) error {
	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	return pc.stream.SendMsg(env)
}

// connect dials target, opens the single Communicate stream, and starts
// the receive loop that both resolves pending calls and forwards
// unsolicited SubscriptionUpdate pushes to onUpdate.
func (c *Client[CD]) connect(ctx context.Context, peer causal.EntityId, target string) (*peerConn, error) {
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target, err)
	}
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], communicateMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		cc.Close()
		return nil, fmt.Errorf("transport: open stream to %s: %w", target, err)
	}

	pc := &peerConn{cc: cc, stream: stream, pending: safemap.NewMap[causal.RequestId, chan *Envelope]()}
	go c.recvLoop(peer, pc)
	return pc, nil
}

func (c *Client[CD]) recvLoop(peer causal.EntityId, pc *peerConn) {
	for {
		env := new(Envelope)
		if err := pc.stream.RecvMsg(env); err != nil {
			c.log.Warn().Err(err).Str("peer", peer.String()).Msg("peer stream closed")
			c.conns.Delete(peer)
			pc.cc.Close()
			return
		}
		if ch, ok := pc.pending.Get(env.RequestId); ok {
			pc.pending.Delete(env.RequestId)
			ch <- env
			continue
		}
		if env.Kind == KindSubscriptionUpdate && env.SubscriptionUpdate != nil && c.onUpdate != nil {
			c.onUpdate(peer, env.SubscriptionUpdate)
			continue
		}
	}
}

// ensureConn returns the peer's live connection, dialing (and retrying
// with backoff) if none exists yet.
func (c *Client[CD]) ensureConn(ctx context.Context, peer causal.EntityId) (*peerConn, error) {
	if pc, ok := c.conns.Get(peer); ok {
		return pc, nil
	}

	target, err := c.dialer(peer)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve peer %s: %w", peer, err)
	}

	var pc *peerConn
	op := func() error {
		conn, dialErr := c.connect(ctx, peer, target)
		if dialErr != nil {
			return dialErr
		}
		pc = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("transport: connect to peer %s: %w", peer, err)
	}
	c.conns.Set(peer, pc)
	return pc, nil
}

// call sends env to peer and blocks for the matching response, or until
// ctx is done.
func (c *Client[CD]) call(ctx context.Context, peer causal.EntityId, env Envelope) (*Envelope, error) {
	pc, err := c.ensureConn(ctx, peer)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Envelope, 1)
	pc.pending.Set(env.RequestId, ch)
	if err := pc.send(&env); err != nil {
		pc.pending.Delete(env.RequestId)
		return nil, fmt.Errorf("transport: send to peer %s: %w", peer, err)
	}

	select {
	case resp := <-ch:
		if resp.Kind == KindError && resp.Error != nil {
			return nil, fmt.Errorf("transport: peer %s: %s", peer, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		pc.pending.Delete(env.RequestId)
		return nil, ctx.Err()
	}
}

// PeerSubscribe implements relay.MessageSender[CD].
func (c *Client[CD]) PeerSubscribe(ctx context.Context, peer causal.EntityId, queryID causal.QueryId, collection causal.CollectionId, selection causal.Selection, contextData CD) error {
	data, err := c.encodeContext(contextData)
	if err != nil {
		return fmt.Errorf("transport: encode subscribe context: %w", err)
	}
	env := newRequest(KindSubscribeQuery)
	env.SubscribeQuery = &SubscribeQueryBody{
		QueryId:     queryID,
		Collection:  collection,
		Selection:   selection,
		ContextData: data,
	}
	_, err = c.call(ctx, peer, env)
	return err
}

// PeerUnsubscribe implements relay.MessageSender[CD].
func (c *Client[CD]) PeerUnsubscribe(ctx context.Context, peer causal.EntityId, queryID causal.QueryId) error {
	env := newRequest(KindUnsubscribe)
	env.Unsubscribe = &UnsubscribeBody{QueryId: queryID}
	_, err := c.call(ctx, peer, env)
	return err
}

// Get fetches a batch of entity states directly from a peer, bypassing
// any live query (spec.md §6.3's point-read path).
func (c *Client[CD]) Get(ctx context.Context, peer causal.EntityId, collection causal.CollectionId, ids []causal.EntityId) ([]causal.Attested[causal.EntityState], error) {
	env := newRequest(KindGet)
	env.Get = &GetBody{Collection: collection, Ids: ids}
	resp, err := c.call(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	if resp.GetResult == nil {
		return nil, fmt.Errorf("transport: malformed Get response from peer %s", peer)
	}
	return resp.GetResult.States, nil
}

// GetEvents fetches events by id directly from a peer.
func (c *Client[CD]) GetEvents(ctx context.Context, peer causal.EntityId, collection causal.CollectionId, ids []causal.EventId) ([]causal.Attested[causal.Event], error) {
	env := newRequest(KindGetEvents)
	env.GetEvents = &GetEventsBody{Collection: collection, Ids: ids}
	resp, err := c.call(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	if resp.GetEventsResult == nil {
		return nil, fmt.Errorf("transport: malformed GetEvents response from peer %s", peer)
	}
	return resp.GetEventsResult.Events, nil
}

// Fetch runs a query against a peer's collection directly, without
// establishing an ongoing live subscription.
func (c *Client[CD]) Fetch(ctx context.Context, peer causal.EntityId, collection causal.CollectionId, selection causal.Selection) ([]causal.Attested[causal.EntityState], error) {
	env := newRequest(KindFetch)
	env.Fetch = &FetchBody{Collection: collection, Selection: selection}
	resp, err := c.call(ctx, peer, env)
	if err != nil {
		return nil, err
	}
	if resp.FetchResult == nil {
		return nil, fmt.Errorf("transport: malformed Fetch response from peer %s", peer)
	}
	return resp.FetchResult.States, nil
}

// CommitTransaction ships a batch of events to a peer for durable commit
// (spec.md §5's cross-node transaction path).
func (c *Client[CD]) CommitTransaction(ctx context.Context, peer causal.EntityId, txID causal.TransactionId, events []causal.Attested[causal.Event]) error {
	env := newRequest(KindCommitTransaction)
	env.CommitTransaction = &CommitTransactionBody{TransactionId: txID, Events: events}
	_, err := c.call(ctx, peer, env)
	return err
}

// Close tears down every open peer connection.
func (c *Client[CD]) Close() {
	for _, entry := range c.conns.Snapshot() {
		entry.Value.cc.Close()
	}
}
