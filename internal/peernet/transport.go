package peernet

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// jsonCodec is the teacher's cmd/server/main.go codec verbatim: gRPC without
// protobuf, framing arbitrary Go values as JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string                      { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

const (
	serviceName      = "ledgermesh.PeerNetwork"
	streamMethodName = "Exchange"
	fullStreamMethod = "/" + serviceName + "/" + streamMethodName
)

// envelope is the one value exchanged over the bidirectional stream; the
// first envelope each direction sends doubles as the handshake.
type envelope struct {
	Handshake string  `json:"handshake,omitempty"`
	Message   Message `json:"message"`
}

// rawStream is the subset of grpc.ServerStream/grpc.ClientStream this
// package needs; both satisfy it, so inbound (server-accepted) and outbound
// (client-dialed) connections share one read/write loop implementation.
type rawStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

// registerPeerService wires handler as the sole bidi-streaming method of a
// hand-described gRPC service (no .proto), exactly the manual
// grpc.ServiceDesc pattern the teacher's cmd/server/main.go uses for its
// unary TinySQL service, generalized to a stream.
func registerPeerService(s *grpc.Server, handler func(stream grpc.ServerStream) error) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    streamMethodName,
				Handler:       func(srv any, stream grpc.ServerStream) error { return handler(stream) },
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "peernet",
	}, struct{}{})
}

func openClientStream(ctx context.Context, conn *grpc.ClientConn) (grpc.ClientStream, error) {
	return grpc.NewClientStream(ctx, &grpc.StreamDesc{
		StreamName:    streamMethodName,
		ServerStreams: true,
		ClientStreams: true,
	}, conn, fullStreamMethod)
}
