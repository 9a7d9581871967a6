package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "speaker.transcript.v1.RecorderService"

// Method names.
const (
	MethodStartRecording  = "StartRecording"
	MethodStopRecording   = "StopRecording"
	MethodGetTranscript   = "GetTranscript"
	MethodRetryPersist    = "RetryPersist"
	MethodWatchTranscript = "WatchTranscript"
)

// FullMethod returns the wire path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// RecorderServer is the server API of the recorder service. Requests carry no
// fields; responses are JSON-shaped structs.
type RecorderServer interface {
	StartRecording(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	StopRecording(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTranscript(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RetryPersist(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchTranscript(*emptypb.Empty, grpc.ServerStream) error
}

// RecorderServiceDesc describes the recorder service for grpc.Server.
var RecorderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecorderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodStartRecording, Handler: unaryHandler(MethodStartRecording, RecorderServer.StartRecording)},
		{MethodName: MethodStopRecording, Handler: unaryHandler(MethodStopRecording, RecorderServer.StopRecording)},
		{MethodName: MethodGetTranscript, Handler: unaryHandler(MethodGetTranscript, RecorderServer.GetTranscript)},
		{MethodName: MethodRetryPersist, Handler: unaryHandler(MethodRetryPersist, RecorderServer.RetryPersist)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: MethodWatchTranscript, Handler: watchTranscriptHandler, ServerStreams: true},
	},
	Metadata: "speaker/transcript/v1/recorder.proto",
}

type unaryCall func(RecorderServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RecorderServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(RecorderServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchTranscriptHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RecorderServer).WatchTranscript(in, stream)
}

// Client is the client API of the recorder service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartRecording starts a new session.
func (c *Client) StartRecording(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodStartRecording, opts...)
}

// StopRecording stops the current session.
func (c *Client) StopRecording(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodStopRecording, opts...)
}

// GetTranscript returns the current session snapshot.
func (c *Client) GetTranscript(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetTranscript, opts...)
}

// RetryPersist persists the stopped session again.
func (c *Client) RetryPersist(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodRetryPersist, opts...)
}

// TranscriptStream receives live entries.
type TranscriptStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next entry. It returns io.EOF when the server ends
// the stream.
func (s *TranscriptStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchTranscript subscribes to entries appended from now on.
func (c *Client) WatchTranscript(ctx context.Context, opts ...grpc.CallOption) (*TranscriptStream, error) {
	stream, err := c.cc.NewStream(ctx, &RecorderServiceDesc.Streams[0], FullMethod(MethodWatchTranscript), opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &TranscriptStream{stream: stream}, nil
}

// SnapshotFromError returns the session snapshot attached to a failed
// StopRecording or RetryPersist call.
func SnapshotFromError(err error) (*structpb.Struct, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, d := range st.Details() {
		if snap, ok := d.(*structpb.Struct); ok {
			return snap, true
		}
	}
	return nil, false
}
