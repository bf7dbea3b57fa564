package creatorrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/rendis/stagecraft/pkg/schema"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "stagecraft.creator.v1.CreatorService"

const (
	resolveMethod  = "/" + ServiceName + "/Resolve"
	describeMethod = "/" + ServiceName + "/Describe"
)

// ResolveCall addresses one resolve request to a named creator hosted by
// the server.
type ResolveCall struct {
	Service string                 `json:"service"`
	Request *schema.ResolveRequest `json:"request"`
}

// DescribeRequest asks a server which creators it hosts.
type DescribeRequest struct{}

// ServiceInfo names one hosted creator and the kinds it supports.
type ServiceInfo struct {
	Name  string   `json:"name"`
	Kinds []string `json:"kinds"`
}

// DescribeResponse lists the hosted creators.
type DescribeResponse struct {
	Services []ServiceInfo `json:"services"`
}

// CreatorServer is the server side of the creator RPC.
type CreatorServer interface {
	Resolve(ctx context.Context, call *ResolveCall) (*schema.ResolveResponse, error)
	Describe(ctx context.Context, req *DescribeRequest) (*DescribeResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Resolve", Handler: resolveHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stagecraft/creator/v1/creator.json",
}

// RegisterCreatorServer registers srv on s.
func RegisterCreatorServer(s grpc.ServiceRegistrar, srv CreatorServer) {
	s.RegisterService(&serviceDesc, srv)
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResolveCall)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CreatorServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resolveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CreatorServer).Resolve(ctx, req.(*ResolveCall))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DescribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CreatorServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CreatorServer).Describe(ctx, req.(*DescribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}
