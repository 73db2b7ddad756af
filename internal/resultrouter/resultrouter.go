// Package resultrouter handles the TaskExecution uplink (spec.md section
// 4.4): every envelope an executor sends is verified against its own
// registered key and routed to the InFlightTask it names.
package resultrouter

import (
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/logging"
	"github.com/zenria/funtonic/internal/signing"
)

// Resolver is the subset of dispatcher.Dispatcher this package depends on.
type Resolver interface {
	Resolve(result domain.TaskExecutionResult) (unknownTask bool)
}

// Router verifies and routes one executor's uplink stream.
type Router struct {
	resolver Resolver
	replay   signing.ReplayCache
	now      func() time.Time
}

// New builds a Router. The resolveOwnKey passed to Route should be the
// connection's own registered public key (registry.ResolveExecutorOwnKey),
// not the general authorized-key set: an executor can only report results
// under the identity it registered with.
func New(resolver Resolver, replay signing.ReplayCache) *Router {
	return &Router{resolver: resolver, replay: replay, now: time.Now}
}

// Route verifies envelope against resolveOwnKey and, on success, decodes
// and forwards the carried TaskExecutionResult. Verification failures are
// the caller's responsibility to handle (typically: close the stream),
// since a forged uplink envelope means the connection should not be
// trusted further (spec.md section 4.4).
func (r *Router) Route(envelope signing.Payload, resolveOwnKey signing.KeyResolver) error {
	raw, err := signing.Verify(envelope, resolveOwnKey, r.replay, r.now())
	if err != nil {
		return err
	}

	var result domain.TaskExecutionResult
	if err := result.UnmarshalJSON(raw); err != nil {
		return ferrors.New(ferrors.PredicateParse, "malformed TaskExecutionResult: %v", err)
	}
	if result.ClientID != envelope.KeyID {
		return ferrors.New(ferrors.Unauthorized, "result for client_id %q signed by key_id %q", result.ClientID, envelope.KeyID)
	}

	if unknownTask := r.resolver.Resolve(result); unknownTask {
		logging.Op().Debug("dropped result for unknown or already-terminated task",
			"task_id", result.TaskID, "client_id", result.ClientID)
	}
	return nil
}
