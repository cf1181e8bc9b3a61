package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "biostream.v1.Recognition"

const statusMethod = "Status"

// ServerStream is the worker side of one streaming call.
type ServerStream interface {
	Context() context.Context
	Recv() (*Request, error)
	Send(*Reply) error
}

// ClientStream is the pipeline side of one streaming call.
type ClientStream interface {
	Send(*Request) error
	Recv() (*Reply, error)
	CloseSend() error
}

// Service is implemented by fleet workers.
type Service interface {
	Process(op Operation, stream ServerStream) error
	Database(ctx context.Context, op DatabaseOp, req *DatabaseRequest) (*DatabaseReply, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusReply, error)
}

// FullMethod returns the gRPC method path for a method name.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the recognition service to grpc.
var ServiceDesc = buildServiceDesc()

var streamDescs = map[Operation]*grpc.StreamDesc{}

func buildServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Service)(nil),
		Metadata:    "biostream/v1/recognition",
	}

	desc.Streams = make([]grpc.StreamDesc, len(Operations))
	for i, op := range Operations {
		desc.Streams[i] = grpc.StreamDesc{
			StreamName:    op.method(),
			Handler:       streamHandler(op),
			ServerStreams: true,
			ClientStreams: true,
		}
		streamDescs[op] = &desc.Streams[i]
	}

	for _, op := range DatabaseOps {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: op.method(),
			Handler:    databaseHandler(op),
		})
	}
	desc.Methods = append(desc.Methods, grpc.MethodDesc{
		MethodName: statusMethod,
		Handler:    statusHandler,
	})
	return desc
}

func streamHandler(op Operation) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		return srv.(Service).Process(op, &serverStream{stream})
	}
}

func databaseHandler(op DatabaseOp) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(DatabaseRequest)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return srv.(Service).Database(ctx, op, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: FullMethod(op.method()),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return srv.(Service).Database(ctx, op, req.(*DatabaseRequest))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Service).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FullMethod(statusMethod),
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Service).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Recv() (*Request, error) {
	m := new(Request)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *serverStream) Send(m *Reply) error {
	return s.ServerStream.SendMsg(m)
}

type clientStream struct {
	grpc.ClientStream
}

func (c *clientStream) Send(m *Request) error {
	return c.ClientStream.SendMsg(m)
}

func (c *clientStream) Recv() (*Reply, error) {
	m := new(Reply)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
