package stream

import (
	"context"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "mocapfusion.FrameStream"

const streamFramesMethod = "/" + ServiceName + "/StreamFrames"

// FrameStreamServer is the server API of the frame stream service.
// StreamFrames takes an optional source id filter (empty means all sources)
// and streams fused frames as google.protobuf.Struct messages.
type FrameStreamServer interface {
	StreamFrames(filter *wrapperspb.StringValue, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FrameStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamFrames",
		Handler:       streamFramesHandler,
		ServerStreams: true,
	}},
	Metadata: "mocapfusion/stream.proto",
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	filter := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(filter); err != nil {
		return err
	}
	return srv.(FrameStreamServer).StreamFrames(filter, stream)
}

// RegisterFrameStreamServer registers srv on s.
func RegisterFrameStreamServer(s grpc.ServiceRegistrar, srv FrameStreamServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Subscription receives frames from a remote publisher.
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a frame stream on conn. An empty sourceID receives frames
// from every source.
func Subscribe(ctx context.Context, conn grpc.ClientConnInterface, sourceID string) (*Subscription, error) {
	cs, err := conn.NewStream(ctx, &serviceDesc.Streams[0], streamFramesMethod)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(wrapperspb.String(sourceID)); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: cs}, nil
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (s *Subscription) Recv() (*mocap.Frame, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return DecodeFrame(msg)
}
