package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// executorServiceDesc hand-builds the ExecutorService descriptor (spec.md
// section 6: GetTasks, TaskExecution), the same shape protoc would emit
// for a service with one server-streaming and one client-streaming
// method, without requiring a .proto/protoc step (see codec.go).
func executorServiceDesc(s *Server) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "funtonic.ExecutorService",
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "GetTasks",
				Handler:       func(srv any, stream grpc.ServerStream) error { return s.getTasks(srv, stream) },
				ServerStreams: true,
			},
			{
				StreamName:    "TaskExecution",
				Handler:       func(srv any, stream grpc.ServerStream) error { return s.taskExecution(srv, stream) },
				ClientStreams: true,
			},
		},
		Metadata: "funtonic/executor_service.proto",
	}
}

// commanderServiceDesc hand-builds the CommanderService descriptor
// (spec.md section 6: LaunchTask, Admin).
func commanderServiceDesc(s *Server) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "funtonic.CommanderService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Admin",
				Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
					var req AdminCall
					if err := dec(&req); err != nil {
						return nil, err
					}
					if interceptor == nil {
						return s.adminCall(ctx, &req)
					}
					info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/funtonic.CommanderService/Admin"}
					handler := func(ctx context.Context, req any) (any, error) {
						return s.adminCall(ctx, req.(*AdminCall))
					}
					return interceptor(ctx, &req, info, handler)
				},
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "LaunchTask",
				Handler:       func(srv any, stream grpc.ServerStream) error { return s.launchTask(srv, stream) },
				ServerStreams: true,
			},
		},
		Metadata: "funtonic/commander_service.proto",
	}
}
