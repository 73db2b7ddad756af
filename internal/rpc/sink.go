package rpc

import (
	"sync"

	"google.golang.org/grpc"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/logging"
)

// defaultSinkQueueDepth bounds how many undelivered GetTaskStreamReply
// items an executor's outbound queue holds before it is treated as
// disconnected (spec.md section 4.5 step 5).
const defaultSinkQueueDepth = 64

// grpcSink adapts a grpc.ServerStream to registry.DispatchSink: Send
// enqueues onto a bounded channel pumped by a dedicated goroutine, so a
// slow executor connection cannot block the dispatcher's fan-out loop.
type grpcSink struct {
	stream grpc.ServerStream
	queue  chan domain.LaunchEnvelope
	done   chan struct{}

	closeOnce sync.Once
	sendErr   error
	errOnce   sync.Once
}

func newGRPCSink(stream grpc.ServerStream, queueDepth int) *grpcSink {
	if queueDepth <= 0 {
		queueDepth = defaultSinkQueueDepth
	}
	s := &grpcSink{
		stream: stream,
		queue:  make(chan domain.LaunchEnvelope, queueDepth),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Send implements registry.DispatchSink. A full queue is reported as an
// error rather than blocking, which the dispatcher treats the same as a
// disconnect.
func (s *grpcSink) Send(env domain.LaunchEnvelope) error {
	select {
	case s.queue <- env:
		return nil
	case <-s.done:
		return errSinkClosed
	default:
		return errQueueFull
	}
}

// Close implements registry.DispatchSink: it ends the pump goroutine and
// signals the GetTasks handler loop to return, either because a newer
// connection superseded this one or the admin dropExecutor path forced a
// disconnect.
func (s *grpcSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Done is selected by the GetTasks handler alongside the stream's own
// context cancellation.
func (s *grpcSink) Done() <-chan struct{} { return s.done }

func (s *grpcSink) pump() {
	for {
		select {
		case env, ok := <-s.queue:
			if !ok {
				return
			}
			reply := &GetTaskStreamReply{TaskID: env.TaskID, Envelope: env.Envelope}
			if err := s.stream.SendMsg(reply); err != nil {
				s.errOnce.Do(func() { s.sendErr = err })
				logging.Op().Warn("executor stream send failed, closing sink", "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

type sinkError string

func (e sinkError) Error() string { return string(e) }

const (
	errQueueFull  sinkError = "executor outbound queue is full"
	errSinkClosed sinkError = "executor outbound queue is closed"
)
