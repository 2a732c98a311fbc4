// Package federationv1 declares the mirador.federation.v1.Federator gRPC service. Messages are
// google.protobuf.Struct documents whose shape is defined by the api package codecs.
package federationv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "mirador.federation.v1.Federator"

	Federator_Query_FullMethodName        = "/mirador.federation.v1.Federator/Query"
	Federator_Explain_FullMethodName      = "/mirador.federation.v1.Federator/Explain"
	Federator_Health_FullMethodName       = "/mirador.federation.v1.Federator/Health"
	Federator_Reload_FullMethodName       = "/mirador.federation.v1.Federator/Reload"
	Federator_StreamAlerts_FullMethodName = "/mirador.federation.v1.Federator/StreamAlerts"
)

// FederatorClient is the client API for the Federator service.
type FederatorClient interface {
	Query(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Explain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Health(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Reload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	StreamAlerts(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (Federator_StreamAlertsClient, error)
}

type federatorClient struct {
	cc grpc.ClientConnInterface
}

// NewFederatorClient returns a client bound to cc.
func NewFederatorClient(cc grpc.ClientConnInterface) FederatorClient {
	return &federatorClient{cc}
}

func (c *federatorClient) Query(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Federator_Query_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federatorClient) Explain(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Federator_Explain_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federatorClient) Health(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Federator_Health_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federatorClient) Reload(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Federator_Reload_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *federatorClient) StreamAlerts(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (Federator_StreamAlertsClient, error) {
	stream, err := c.cc.NewStream(ctx, &Federator_ServiceDesc.Streams[0], Federator_StreamAlerts_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &federatorStreamAlertsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// Federator_StreamAlertsClient receives alerts pushed by the server.
type Federator_StreamAlertsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type federatorStreamAlertsClient struct {
	grpc.ClientStream
}

func (x *federatorStreamAlertsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// FederatorServer is the server API for the Federator service.
type FederatorServer interface {
	Query(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Explain(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reload(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamAlerts(*structpb.Struct, Federator_StreamAlertsServer) error
}

// UnimplementedFederatorServer can be embedded to keep implementations forward compatible.
type UnimplementedFederatorServer struct{}

func (UnimplementedFederatorServer) Query(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Query not implemented")
}
func (UnimplementedFederatorServer) Explain(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Explain not implemented")
}
func (UnimplementedFederatorServer) Health(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Health not implemented")
}
func (UnimplementedFederatorServer) Reload(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Reload not implemented")
}
func (UnimplementedFederatorServer) StreamAlerts(*structpb.Struct, Federator_StreamAlertsServer) error {
	return status.Errorf(codes.Unimplemented, "method StreamAlerts not implemented")
}

// RegisterFederatorServer attaches srv to the registrar.
func RegisterFederatorServer(s grpc.ServiceRegistrar, srv FederatorServer) {
	s.RegisterService(&Federator_ServiceDesc, srv)
}

func _Federator_Query_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Federator_Query_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederatorServer).Query(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federator_Explain_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).Explain(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Federator_Explain_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederatorServer).Explain(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federator_Health_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Federator_Health_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederatorServer).Health(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federator_Reload_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FederatorServer).Reload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Federator_Reload_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FederatorServer).Reload(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Federator_StreamAlerts_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(FederatorServer).StreamAlerts(m, &federatorStreamAlertsServer{stream})
}

// Federator_StreamAlertsServer pushes alerts to one subscriber.
type Federator_StreamAlertsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type federatorStreamAlertsServer struct {
	grpc.ServerStream
}

func (x *federatorStreamAlertsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// Federator_ServiceDesc is the grpc.ServiceDesc for the Federator service.
var Federator_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FederatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: _Federator_Query_Handler},
		{MethodName: "Explain", Handler: _Federator_Explain_Handler},
		{MethodName: "Health", Handler: _Federator_Health_Handler},
		{MethodName: "Reload", Handler: _Federator_Reload_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamAlerts",
			Handler:       _Federator_StreamAlerts_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "mirador/federation/v1/federator.proto",
}
