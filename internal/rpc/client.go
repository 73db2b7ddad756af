package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/zenria/funtonic/internal/domain"
)

// DialOptions returns the grpc.DialOption every Funtonic client needs to
// negotiate the JSON codec this package registers (see codec.go).
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
}

// ExecutorClient drives ExecutorService from an executor process
// (cmd/executor-stub).
type ExecutorClient struct {
	conn *grpc.ClientConn
}

// NewExecutorClient wraps conn.
func NewExecutorClient(conn *grpc.ClientConn) *ExecutorClient { return &ExecutorClient{conn: conn} }

// GetTasks opens the server-streaming RPC, sends req as its single
// message, and returns the stream for the caller to RecvMsg
// GetTaskStreamReply items from.
func (c *ExecutorClient) GetTasks(ctx context.Context, req *RegisterExecutorRequest) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "GetTasks", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/funtonic.ExecutorService/GetTasks")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// TaskExecution opens the client-streaming uplink; the caller SendMsg's a
// *signing.Payload per result and CloseSend()s when done, then RecvMsg's
// the single Empty ack.
func (c *ExecutorClient) TaskExecution(ctx context.Context) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "TaskExecution", ClientStreams: true}
	return c.conn.NewStream(ctx, desc, "/funtonic.ExecutorService/TaskExecution")
}

// CommanderClient drives CommanderService from the commander CLI
// (cmd/funtonic).
type CommanderClient struct {
	conn *grpc.ClientConn
}

// NewCommanderClient wraps conn.
func NewCommanderClient(conn *grpc.ClientConn) *CommanderClient { return &CommanderClient{conn: conn} }

// LaunchTask opens the server-streaming RPC and returns the stream the
// caller RecvMsg's domain.LaunchTaskResponse items from.
func (c *CommanderClient) LaunchTask(ctx context.Context, req *LaunchTaskRequest) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: "LaunchTask", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/funtonic.CommanderService/LaunchTask")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// Admin invokes the unary Admin RPC.
func (c *CommanderClient) Admin(ctx context.Context, req *AdminCall) (*domain.AdminRequestResponse, error) {
	var resp domain.AdminRequestResponse
	if err := c.conn.Invoke(ctx, "/funtonic.CommanderService/Admin", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
