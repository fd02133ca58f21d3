package transport

import (
	"context"

	"google.golang.org/grpc"
)

// forwarderServer is the interface a Forwarder implements against the
// hand-written service below. It plays the role a protoc-gen-go-grpc
// "UnimplementedXxxServer" embed plays for the teacher's raft service, but
// there is no .proto to generate it from -- see gobCodec's doc comment.
type forwarderServer interface {
	deliver(context.Context, *wireEnvelope) (*wireAck, error)
	spawn(context.Context, *spawnRequest) (*spawnReply, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wireEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(forwarderServer).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/repliq.transport.Forwarder/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(forwarderServer).deliver(ctx, req.(*wireEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func spawnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(spawnRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(forwarderServer).spawn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/repliq.transport.Forwarder/Spawn"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(forwarderServer).spawn(ctx, req.(*spawnRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is registered against a *grpc.Server with grpc.ForceServerCodec
// set to gobCodec{}, so neither method needs a protoc-generated stub.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "repliq.transport.Forwarder",
	HandlerType: (*forwarderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "Spawn", Handler: spawnHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/transport/service.go",
}
