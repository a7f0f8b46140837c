package admin

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ocx/syncworld/internal/admin/pb"
)

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "syncworld.admin.AdminService",
	HandlerType: (*pb.AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: adminGetStatsHandler},
		{MethodName: "InvalidateSession", Handler: adminInvalidateSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admin.proto",
}

func adminGetStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pb.StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(pb.AdminServiceServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/syncworld.admin.AdminService/GetStats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(pb.AdminServiceServer).GetStats(ctx, req.(*pb.StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func adminInvalidateSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(pb.InvalidateSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(pb.AdminServiceServer).InvalidateSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/syncworld.admin.AdminService/InvalidateSession"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(pb.AdminServiceServer).InvalidateSession(ctx, req.(*pb.InvalidateSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAdminServiceServer registers srv on s the way protoc-gen-go-grpc
// generated code would for a compiled admin.proto.
func RegisterAdminServiceServer(s grpc.ServiceRegistrar, srv pb.AdminServiceServer) {
	s.RegisterService(&adminServiceDesc, srv)
}
