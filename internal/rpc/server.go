package rpc

import (
	"context"
	"crypto/ed25519"
	"io"
	"time"

	"google.golang.org/grpc"

	"github.com/zenria/funtonic/internal/admin"
	"github.com/zenria/funtonic/internal/dispatcher"
	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/logging"
	"github.com/zenria/funtonic/internal/registry"
	"github.com/zenria/funtonic/internal/resultrouter"
	"github.com/zenria/funtonic/internal/signing"
)

// Server implements ExecutorService and CommanderService by closing over
// the core taskserver components, the same shape as the teacher's
// internal/grpc.Server closing over store/executor/pool.
type Server struct {
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	admin      *admin.Handler
	router     *resultrouter.Router
	replay     signing.ReplayCache

	// maxWindow is the replay_window_secs acceptance bound applied to every
	// inbound envelope before any verification (spec.md section 6). Zero
	// disables the bound.
	maxWindow      time.Duration
	sinkQueueDepth int
}

// NewServer builds a Server. replay may be nil to disable replay checking
// on the GetTasks registration path (the dispatcher and admin handler
// carry their own replay caches for their respective RPCs). maxWindow
// bounds how far in the future an envelope's valid_until_secs may lie.
func NewServer(reg *registry.Registry, disp *dispatcher.Dispatcher, adm *admin.Handler, router *resultrouter.Router, replay signing.ReplayCache, maxWindow time.Duration) *Server {
	return &Server{
		registry:       reg,
		dispatcher:     disp,
		admin:          adm,
		router:         router,
		replay:         replay,
		maxWindow:      maxWindow,
		sinkQueueDepth: defaultSinkQueueDepth,
	}
}

// Register attaches both services to s, under the JSON codec
// (google.golang.org/grpc/encoding) this package registers in init().
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(executorServiceDesc(s), s)
	grpcServer.RegisterService(commanderServiceDesc(s), s)
}

// getTasks implements ExecutorService.GetTasks: a single signed
// RegisterExecutorPayload envelope followed by a stream of
// GetTaskStreamReply items pumped from this executor's registry sink
// (spec.md section 4.3).
func (s *Server) getTasks(_ any, stream grpc.ServerStream) error {
	var req RegisterExecutorRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	if err := signing.CheckWindow(req.Envelope, time.Now(), s.maxWindow); err != nil {
		return err
	}

	var payload domain.RegisterExecutorPayload
	if err := payload.UnmarshalJSON(req.Envelope.Payload); err != nil {
		return ferrors.New(ferrors.PredicateParse, "malformed RegisterExecutorPayload: %v", err)
	}

	sink := newGRPCSink(stream, s.sinkQueueDepth)
	if err := s.registry.RegisterWithEnvelope(payload, req.Envelope, s.replay, time.Now(), sink); err != nil {
		sink.Close()
		return err
	}
	logging.Op().Info("executor registered", "client_id", payload.ClientID)
	defer s.registry.Unregister(payload.ClientID, sink)

	select {
	case <-stream.Context().Done():
		return stream.Context().Err()
	case <-sink.Done():
		return nil
	}
}

// taskExecution implements ExecutorService.TaskExecution: the executor's
// uplink stream of signed TaskExecutionResult envelopes (spec.md section
// 4.4). Every item is routed independently; a verification failure ends
// the stream since a forged uplink means the connection is untrusted.
func (s *Server) taskExecution(_ any, stream grpc.ServerStream) error {
	resolveOwnKey := signing.KeyResolverFunc(func(keyID string) (ed25519.PublicKey, bool) {
		return s.registry.ResolveExecutorOwnKey(keyID)
	})

	for {
		var envelope signing.Payload
		err := stream.RecvMsg(&envelope)
		if err == io.EOF {
			return stream.SendMsg(&Empty{})
		}
		if err != nil {
			return err
		}
		if err := signing.CheckWindow(envelope, time.Now(), s.maxWindow); err != nil {
			return err
		}
		if err := s.router.Route(envelope, resolveOwnKey); err != nil {
			return err
		}
	}
}

// launchTask implements CommanderService.LaunchTask: verifies and
// dispatches the envelope, then pipes the resulting InFlightTask's
// downstream channel onto the commander's response stream (spec.md
// section 4.5).
func (s *Server) launchTask(_ any, stream grpc.ServerStream) error {
	var req LaunchTaskRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	if err := signing.CheckWindow(req.Envelope, time.Now(), s.maxWindow); err != nil {
		return err
	}

	task, err := s.dispatcher.Launch(stream.Context(), req.Envelope, req.Predicate)
	if err != nil {
		return err
	}
	// A commander disconnect mid-stream must unregister the task right away
	// and release any publisher blocked on its downstream channel.
	defer s.dispatcher.Cancel(task)

	for resp := range task.Results() {
		resp := resp
		if err := stream.SendMsg(&resp); err != nil {
			return err
		}
	}
	return nil
}

// adminCall implements CommanderService.Admin as a unary RPC.
func (s *Server) adminCall(ctx context.Context, req *AdminCall) (*domain.AdminRequestResponse, error) {
	if err := signing.CheckWindow(req.Envelope, time.Now(), s.maxWindow); err != nil {
		return nil, err
	}
	resp, err := s.admin.Handle(req.Envelope)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
