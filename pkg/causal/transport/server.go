package transport

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// PeerServer hosts the hand-declared Communicate service on a *grpc.Server,
// dispatching every inbound Envelope to a Handler (typically the node's
// reactive query engine and storage layer).
type PeerServer struct {
	log    zerolog.Logger
	server *grpc.Server
}

// NewPeerServer wires handler onto a fresh *grpc.Server. opts are forwarded
// to grpc.NewServer verbatim, so callers can add transport credentials,
// interceptors, or keepalive policy the way the teacher's own grpc-app
// server does.
func NewPeerServer(handler Handler, log zerolog.Logger, opts ...grpc.ServerOption) *PeerServer {
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, handler)
	return &PeerServer{log: log.With().Str("component", "transport.server").Logger(), server: s}
}

// Serve blocks accepting peer connections on lis until the server is
// stopped or lis itself fails.
func (p *PeerServer) Serve(lis net.Listener) error {
	p.log.Info().Str("addr", lis.Addr().String()).Msg("peer transport listening")
	return p.server.Serve(lis)
}

// Stop gracefully drains in-flight Communicate streams before returning.
func (p *PeerServer) Stop() { p.server.GracefulStop() }

// GRPCServer exposes the underlying *grpc.Server for callers that want to
// register additional services (health checks, reflection) alongside it.
func (p *PeerServer) GRPCServer() *grpc.Server { return p.server }
