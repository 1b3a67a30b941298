package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// Transport is the boundary between the communicator and the wire layer.
// The wire protocol itself is out of scope for this package; production
// code supplies a concrete Transport (GRPCTransport below, or another)
// while tests supply FakeTransport.
type Transport interface {
	Call(ctx context.Context, peer PeerAddress, endpoint string, req, resp any) error
}

// jsonCodec lets GRPCTransport invoke peer endpoints without generated
// protobuf stubs: the wire schema for this relay's gossip RPCs isn't
// versioned protobuf, so requests/responses are plain JSON-tagged structs
// carried over a gRPC connection for its multiplexing, keepalive, and
// retry behavior.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCTransport dials each peer lazily over gRPC, reusing connections by
// address, and invokes a generic method path derived from the endpoint
// string ("p2p.peer.getStatus" -> "/p2p.peer/getStatus").
type GRPCTransport struct {
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport builds a GRPCTransport. With no options it dials with
// insecure transport credentials, appropriate for a private relay network
// behind its own network-level access controls (TLS is an explicit
// Non-goal of this core).
func NewGRPCTransport(opts ...grpc.DialOption) *GRPCTransport {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCTransport{dialOpts: opts, conns: make(map[string]*grpc.ClientConn)}
}

func (t *GRPCTransport) connFor(peer PeerAddress) (*grpc.ClientConn, error) {
	addr := peer.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *GRPCTransport) Call(ctx context.Context, peer PeerAddress, endpoint string, req, resp any) error {
	conn, err := t.connFor(peer)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, peer, err)
	}
	method := endpointToMethod(endpoint)
	if err := conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype("json")); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Close tears down every cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, addr)
	}
	return firstErr
}

// endpointToMethod turns "p2p.peer.getStatus" into "/p2p.peer/getStatus",
// the gRPC fully-qualified method path shape, by splitting on the last dot.
func endpointToMethod(endpoint string) string {
	idx := strings.LastIndex(endpoint, ".")
	if idx < 0 {
		return "/" + endpoint
	}
	service := endpoint[:idx]
	method := endpoint[idx+1:]
	return "/" + service + "/" + method
}

// FakeTransport is an in-memory Transport for tests: endpoint -> handler.
type FakeTransport struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, peer PeerAddress, req any) (any, error)
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{handlers: make(map[string]func(context.Context, PeerAddress, any) (any, error))}
}

// Handle registers fn to answer calls to endpoint.
func (f *FakeTransport) Handle(endpoint string, fn func(ctx context.Context, peer PeerAddress, req any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[endpoint] = fn
}

func (f *FakeTransport) Call(ctx context.Context, peer PeerAddress, endpoint string, req, resp any) error {
	f.mu.Lock()
	handler, ok := f.handlers[endpoint]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no handler registered for %s", ErrTransport, endpoint)
	}
	result, err := handler(ctx, peer, req)
	if err != nil {
		return err
	}
	return copyViaJSON(result, resp)
}

// copyViaJSON round-trips through JSON to emulate what a real wire
// transport would do: the handler's return value and the caller's resp
// pointer are never the same Go value.
func copyViaJSON(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("%w: encode fake response: %v", ErrBadResponse, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decode fake response: %v", ErrBadResponse, err)
	}
	return nil
}
