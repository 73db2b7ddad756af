package rpc

import (
	"github.com/zenria/funtonic/internal/signing"
)

// RegisterExecutorRequest is ExecutorService.GetTasks' single client
// message: a signed envelope whose payload decodes to a
// domain.RegisterExecutorPayload (spec.md section 6).
type RegisterExecutorRequest struct {
	Envelope signing.Payload `json:"envelope"`
}

// GetTaskStreamReply is one item on the GetTasks server stream.
type GetTaskStreamReply struct {
	TaskID   string          `json:"task_id"`
	Envelope signing.Payload `json:"envelope"`
}

// LaunchTaskRequest is CommanderService.LaunchTask's single client message.
type LaunchTaskRequest struct {
	Predicate string          `json:"predicate"`
	Envelope  signing.Payload `json:"envelope"`
}

// AdminCall is CommanderService.Admin's single client message.
type AdminCall struct {
	Envelope signing.Payload `json:"envelope"`
}

// Empty acknowledges a call with no payload, the same convention
// google.protobuf.Empty serves in a protoc-generated service.
type Empty struct{}
