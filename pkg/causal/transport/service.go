package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"causalstore/pkg/causal"
)

const (
	serviceName       = "causalstore.transport.Peer"
	communicateMethod = "/causalstore.transport.Peer/Communicate"
)

// Handler is implemented by whatever serves requests arriving over a peer
// connection — the reactive query engine, typically. Each method answers
// one spec.md §6.3 request body; OnSubscribeQuery additionally receives a
// PushSender it may retain to deliver later SubscriptionUpdate deltas for
// the same query, since the initial ack and every later push share one
// connection.
type Handler interface {
	OnSubscribeQuery(ctx context.Context, body *SubscribeQueryBody, push PushSender) (*SubscriptionUpdateBody, error)
	OnUnsubscribe(ctx context.Context, body *UnsubscribeBody) error
	OnGet(ctx context.Context, body *GetBody) (*GetResultBody, error)
	OnGetEvents(ctx context.Context, body *GetEventsBody) (*GetEventsResultBody, error)
	OnFetch(ctx context.Context, body *FetchBody) (*FetchResultBody, error)
	OnCommitTransaction(ctx context.Context, body *CommitTransactionBody) (*CommitCompleteBody, error)
}

// PushSender lets a Handler deliver an unsolicited SubscriptionUpdate over
// an already-open peer connection, outside the request/response pairing
// used for everything else.
type PushSender interface {
	Push(update *SubscriptionUpdateBody) error
}

// communicateStreamHandler is the StreamHandler grpc.Server dispatches
// every Communicate call to; it reads Envelopes off the stream in a loop
// and replies on the same stream, serialized against concurrent
// handler-initiated pushes by sendLock.
func communicateStreamHandler(srv any, stream grpc.ServerStream) error {
	h, ok := srv.(Handler)
	if !ok {
		return fmt.Errorf("transport: server does not implement Handler")
	}
	conn := &serverConn{stream: stream}

	for {
		env := new(Envelope)
		if err := stream.RecvMsg(env); err != nil {
			return err
		}
		resp := dispatch(stream.Context(), h, env, conn)
		if err := conn.send(&resp); err != nil {
			return err
		}
	}
}

// serverConn adapts one server-side stream into a PushSender, guarding
// SendMsg with a mutex since the request/response loop and any retained
// PushSender may write concurrently.
type serverConn struct {
	stream   grpc.ServerStream
	sendLock chanMutex
}

type chanMutex chan struct{}

func (m *chanMutex) lock() {
	if *m == nil {
		*m = make(chanMutex, 1)
	}
	*m <- struct{}{}
}

func (m chanMutex) unlock() { <-m }

func (c *serverConn) send(env *Envelope) error {
	c.sendLock.lock()
	defer c.sendLock.unlock()
	return c.stream.SendMsg(env)
}

func (c *serverConn) Push(update *SubscriptionUpdateBody) error {
	return c.send(&Envelope{Kind: KindSubscriptionUpdate, RequestId: causal.NewRequestId(), SubscriptionUpdate: update})
}

func dispatch(ctx context.Context, h Handler, env *Envelope, push PushSender) Envelope {
	switch env.Kind {
	case KindSubscribeQuery:
		update, err := h.OnSubscribeQuery(ctx, env.SubscribeQuery, push)
		if err != nil {
			return errorEnvelope(env.RequestId, err)
		}
		return Envelope{Kind: KindSubscriptionUpdate, RequestId: env.RequestId, SubscriptionUpdate: update}
	case KindUnsubscribe:
		if err := h.OnUnsubscribe(ctx, env.Unsubscribe); err != nil {
			return errorEnvelope(env.RequestId, err)
		}
		return Envelope{Kind: KindAck, RequestId: env.RequestId}
	case KindGet:
		res, err := h.OnGet(ctx, env.Get)
		if err != nil {
			return errorEnvelope(env.RequestId, err)
		}
		return Envelope{Kind: KindGetResult, RequestId: env.RequestId, GetResult: res}
	case KindGetEvents:
		res, err := h.OnGetEvents(ctx, env.GetEvents)
		if err != nil {
			return errorEnvelope(env.RequestId, err)
		}
		return Envelope{Kind: KindGetEventsResult, RequestId: env.RequestId, GetEventsResult: res}
	case KindFetch:
		res, err := h.OnFetch(ctx, env.Fetch)
		if err != nil {
			return errorEnvelope(env.RequestId, err)
		}
		return Envelope{Kind: KindFetchResult, RequestId: env.RequestId, FetchResult: res}
	case KindCommitTransaction:
		res, err := h.OnCommitTransaction(ctx, env.CommitTransaction)
		if err != nil {
			return errorEnvelope(env.RequestId, err)
		}
		return Envelope{Kind: KindCommitComplete, RequestId: env.RequestId, CommitComplete: res}
	default:
		return errorEnvelope(env.RequestId, fmt.Errorf("unsupported message kind %d", env.Kind))
	}
}

// serviceDesc is the hand-declared stand-in for what protoc would
// otherwise generate from a .proto file: one bidirectional-streaming
// method multiplexing every logical message kind over a single stream per
// peer connection.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Communicate",
			Handler:       communicateStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pkg/causal/transport",
}
