package rpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/containers/conmon-go/internal/rpcwire"
)

// MonitorServer is the method set ServiceDesc dispatches to. *Server
// implements it; it exists only so grpc.ServiceDesc's HandlerType can be
// type-checked against a concrete interface instead of an untyped
// interface{}, the way protoc-gen-go-grpc's generated *_ServiceServer
// interfaces are used.
type MonitorServer interface {
	Version(context.Context, *rpcwire.VersionRequest) (*rpcwire.VersionResponse, error)
	CreateContainer(context.Context, *rpcwire.CreateContainerRequest) (*rpcwire.CreateContainerResponse, error)
	ExecSyncContainer(context.Context, *rpcwire.ExecSyncContainerRequest) (*rpcwire.ExecSyncContainerResponse, error)
	AttachContainer(context.Context, *rpcwire.AttachContainerRequest) (*rpcwire.AttachContainerResponse, error)
	ReopenLogContainer(context.Context, *rpcwire.ReopenLogContainerRequest) (*rpcwire.ReopenLogContainerResponse, error)
	SetWindowSizeContainer(context.Context, *rpcwire.SetWindowSizeContainerRequest) (*rpcwire.SetWindowSizeContainerResponse, error)
	CreateNamespaces(context.Context, *rpcwire.CreateNamespacesRequest) (*rpcwire.CreateNamespacesResponse, error)
	ServeExecContainer(context.Context, *rpcwire.ServeExecContainerRequest) (*rpcwire.ServeExecContainerResponse, error)
	ServeAttachContainer(context.Context, *rpcwire.ServeAttachContainerRequest) (*rpcwire.ServeAttachContainerResponse, error)
	ServePortForwardContainer(context.Context, *rpcwire.ServePortForwardContainerRequest) (*rpcwire.ServePortForwardContainerResponse, error)
}

var _ MonitorServer = (*Server)(nil)

const serviceName = "conmon.Monitor"

func unaryHandler(fullMethod string, newReq func() interface{}, call func(context.Context, MonitorServer, interface{}) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: fullMethod,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(MonitorServer)
			if interceptor == nil {
				resp, err := call(ctx, s, in)
				return resp, rpcwire.ToStatus(err)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + fullMethod}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(ctx, s, req)
				return resp, rpcwire.ToStatus(err)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc registers every RPC method this monitor exposes against a
// *grpc.Server, using the hand-rolled JSON codec from internal/rpcwire in
// place of protoc-gen-go output (see package docs).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MonitorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Version", func() interface{} { return new(rpcwire.VersionRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.Version(ctx, req.(*rpcwire.VersionRequest))
			}),
		unaryHandler("CreateContainer", func() interface{} { return new(rpcwire.CreateContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.CreateContainer(ctx, req.(*rpcwire.CreateContainerRequest))
			}),
		unaryHandler("ExecSyncContainer", func() interface{} { return new(rpcwire.ExecSyncContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.ExecSyncContainer(ctx, req.(*rpcwire.ExecSyncContainerRequest))
			}),
		unaryHandler("AttachContainer", func() interface{} { return new(rpcwire.AttachContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.AttachContainer(ctx, req.(*rpcwire.AttachContainerRequest))
			}),
		unaryHandler("ReopenLogContainer", func() interface{} { return new(rpcwire.ReopenLogContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.ReopenLogContainer(ctx, req.(*rpcwire.ReopenLogContainerRequest))
			}),
		unaryHandler("SetWindowSizeContainer", func() interface{} { return new(rpcwire.SetWindowSizeContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.SetWindowSizeContainer(ctx, req.(*rpcwire.SetWindowSizeContainerRequest))
			}),
		unaryHandler("CreateNamespaces", func() interface{} { return new(rpcwire.CreateNamespacesRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.CreateNamespaces(ctx, req.(*rpcwire.CreateNamespacesRequest))
			}),
		unaryHandler("ServeExecContainer", func() interface{} { return new(rpcwire.ServeExecContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.ServeExecContainer(ctx, req.(*rpcwire.ServeExecContainerRequest))
			}),
		unaryHandler("ServeAttachContainer", func() interface{} { return new(rpcwire.ServeAttachContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.ServeAttachContainer(ctx, req.(*rpcwire.ServeAttachContainerRequest))
			}),
		unaryHandler("ServePortForwardContainer", func() interface{} { return new(rpcwire.ServePortForwardContainerRequest) },
			func(ctx context.Context, s MonitorServer, req interface{}) (interface{}, error) {
				return s.ServePortForwardContainer(ctx, req.(*rpcwire.ServePortForwardContainerRequest))
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "conmon-go/rpcserver",
}
