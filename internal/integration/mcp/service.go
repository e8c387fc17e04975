package mcp

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kubilitics/kubilitics-usage/pkg/contracts"
)

// GatewayServer is the server side of the MCP gateway service.
type GatewayServer interface {
	UseTool(context.Context, *structpb.Struct) (*structpb.Value, error)
	ReadResource(context.Context, *structpb.Struct) (*structpb.Value, error)
	BatchReadResources(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(*structpb.Struct, grpc.ServerStream) error
}

// RegisterGatewayServer registers srv on s.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&GatewayServiceDesc, srv)
}

// GatewayServiceDesc describes the gateway service for grpc.Server.
var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: contracts.GatewayService,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UseTool", Handler: useToolHandler},
		{MethodName: "ReadResource", Handler: readResourceHandler},
		{MethodName: "BatchReadResources", Handler: batchReadResourcesHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
}

func useToolHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).UseTool(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: contracts.MethodUseTool}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).UseTool(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func readResourceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).ReadResource(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: contracts.MethodReadResource}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).ReadResource(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func batchReadResourcesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).BatchReadResources(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: contracts.MethodBatchResources}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).BatchReadResources(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GatewayServer).Subscribe(in, stream)
}
