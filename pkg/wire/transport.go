package wire

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/types"
)

func init() {
	encoding.RegisterCodec(grpcCodec{})
}

// HandlerFunc processes an inbound Envelope and returns the Envelope to
// send back, or an error to translate into a KindErrorMsg response.
type HandlerFunc func(ctx context.Context, from types.PeerInfo, req *Envelope) (*Envelope, error)

// Transport is the abstract collaborator interface called out in spec.md
// §9 ("the transport as one abstract interface"): the engine and
// replication fetcher depend only on this, never on gRPC directly.
type Transport interface {
	// Dial establishes (or reuses) a connection to peer.
	Dial(ctx context.Context, peer types.PeerInfo) error
	// Listen starts accepting inbound connections on addr.
	Listen(ctx context.Context, addr string) error
	// SendRequest sends req to peer and waits for its response.
	SendRequest(ctx context.Context, peer types.PeerInfo, req *Envelope) (*Envelope, error)
	// SetHandler installs the callback invoked for every inbound request.
	SetHandler(h HandlerFunc)
	// Close tears down all connections and listeners.
	Close() error
}

// grpcTransport implements Transport over a single bidirectional-streaming
// gRPC method ("Exchange") using the msgpack grpcCodec registered in
// codec.go, per SPEC_FULL §4.10.
type grpcTransport struct {
	local          types.PeerInfo
	protocolString string

	mu      sync.Mutex
	conns   map[types.ID]*grpc.ClientConn
	handler HandlerFunc

	server   *grpc.Server
	listener net.Listener
}

// NewGRPCTransport constructs a Transport bound to local's identity and
// the given network protocol string (see ProtocolString).
func NewGRPCTransport(local types.PeerInfo, protocolString string) Transport {
	return &grpcTransport{
		local:          local,
		protocolString: protocolString,
		conns:          make(map[types.ID]*grpc.ClientConn),
	}
}

func (t *grpcTransport) SetHandler(h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Dial opens (and caches) a gRPC connection to peer. The protocol string
// is exchanged on the first Exchange frame rather than at connection
// time, since grpc.Dial itself carries no Kademlia-specific handshake.
func (t *grpcTransport) Dial(ctx context.Context, peer types.PeerInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[peer.PeerID]; ok {
		return nil
	}
	if len(peer.Addresses) == 0 {
		return fmt.Errorf("wire: peer %s has no known address", peer.PeerID)
	}
	conn, err := grpc.NewClient(peer.Addresses[0],
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpcCodecName)),
	)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", peer.Addresses[0], err)
	}
	t.conns[peer.PeerID] = conn
	return nil
}

// SendRequest sends req over a single-shot Exchange stream to peer and
// returns its one response frame. Protocol-string mismatch (spec.md §6)
// aborts negotiation without sending req.
func (t *grpcTransport) SendRequest(ctx context.Context, peer types.PeerInfo, req *Envelope) (*Envelope, error) {
	if req.ProtocolString != t.protocolString {
		return nil, ErrProtocolMismatch
	}
	if err := t.Dial(ctx, peer); err != nil {
		return nil, err
	}
	t.mu.Lock()
	conn := t.conns[peer.PeerID]
	t.mu.Unlock()

	stream, err := conn.NewStream(ctx, &exchangeStreamDesc, exchangeMethodName, grpc.CallContentSubtype(grpcCodecName))
	if err != nil {
		return nil, fmt.Errorf("wire: open exchange stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("wire: send envelope: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	var resp Envelope
	if err := stream.RecvMsg(&resp); err != nil {
		return nil, fmt.Errorf("wire: recv envelope: %w", err)
	}
	return &resp, nil
}

// Listen starts a gRPC server on addr, dispatching every inbound Exchange
// stream to the installed HandlerFunc.
func (t *grpcTransport) Listen(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wire: listen %s: %w", addr, err)
	}
	t.listener = lis

	t.server = grpc.NewServer()
	t.server.RegisterService(&exchangeServiceDesc, &exchangeServer{transport: t})

	logger := log.WithComponent("wire")
	go func() {
		logger.Info().Str("addr", addr).Msg("wire transport listening")
		if err := t.server.Serve(lis); err != nil {
			logger.Warn().Err(err).Msg("wire transport server stopped")
		}
	}()
	return nil
}

func (t *grpcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil {
		t.server.GracefulStop()
	}
	for _, c := range t.conns {
		_ = c.Close()
	}
	t.conns = make(map[types.ID]*grpc.ClientConn)
	return nil
}

const exchangeMethodName = "/antnode.wire.Exchange/Exchange"

// exchangeStreamDesc describes the single bidirectional-streaming method
// this package hand-registers in place of protoc-generated client code
// (SPEC_FULL §4.10).
var exchangeStreamDesc = grpc.StreamDesc{
	StreamName:    "Exchange",
	ServerStreams: true,
	ClientStreams: true,
}

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: "antnode.wire.Exchange",
	HandlerType: (*exchangeServerIface)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

type exchangeServerIface interface {
	Exchange(grpc.ServerStream) error
}

type exchangeServer struct {
	transport *grpcTransport
}

func (s *exchangeServer) Exchange(stream grpc.ServerStream) error {
	var req Envelope
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	if req.ProtocolString != s.transport.protocolString {
		return ErrProtocolMismatch
	}

	s.transport.mu.Lock()
	handler := s.transport.handler
	local := s.transport.local
	s.transport.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("wire: no handler installed")
	}
	resp, err := handler(stream.Context(), local, &req)
	if err != nil {
		resp = &Envelope{
			RequestID:      req.RequestID,
			ProtocolString: req.ProtocolString,
			Kind:           KindErrorMsg,
		}
		body, encErr := EncodeBody(ErrorBody{Code: "internal", Message: err.Error()})
		if encErr == nil {
			resp.Payload = body
		}
	}
	return stream.SendMsg(resp)
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(exchangeServerIface).Exchange(stream)
}
