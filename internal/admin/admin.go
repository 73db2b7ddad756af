// Package admin implements the Admin RPC (spec.md section 4.6): signed
// requests against a disjoint admin-authorized-key set, each yielding
// either a full JSON response or an error, never a partial result.
package admin

import (
	"crypto/ed25519"
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/keystore"
	"github.com/zenria/funtonic/internal/predicate"
	"github.com/zenria/funtonic/internal/registry"
	"github.com/zenria/funtonic/internal/signing"
)

// TaskIndex reports currently in-flight tasks for listRunningTasks
// (spec.md section 4.6: task_id, predicate, pending, matched per task).
// The dispatcher satisfies it without this package needing to import it
// directly (it would otherwise be a cyclic dependency since the
// dispatcher also needs admin-triggered key changes to take effect).
type TaskIndex interface {
	RunningTasks() []domain.RunningTask
}

// Handler implements every AdminRequestKind against the key store,
// registry, and dispatcher's task index.
type Handler struct {
	store    *keystore.Store
	registry *registry.Registry
	matcher  predicate.Matcher
	tasks    TaskIndex
	replay   signing.ReplayCache
	now      func() time.Time
}

// New builds a Handler.
func New(store *keystore.Store, reg *registry.Registry, matcher predicate.Matcher, tasks TaskIndex, replay signing.ReplayCache) *Handler {
	return &Handler{store: store, registry: reg, matcher: matcher, tasks: tasks, replay: replay, now: time.Now}
}

// Handle verifies envelope against the admin-authorized-key set and
// executes the decoded AdminRequest. A verification failure is returned
// as an error (the caller should reject the RPC outright); a successful
// verification always yields an AdminRequestResponse, even for requests
// that fail at the application level.
func (h *Handler) Handle(envelope signing.Payload) (domain.AdminRequestResponse, error) {
	raw, err := signing.Verify(envelope, signing.KeyResolverFunc(h.resolveAdminKey), h.replay, h.now())
	if err != nil {
		return domain.AdminRequestResponse{}, err
	}

	var req domain.AdminRequest
	if err := req.UnmarshalJSON(raw); err != nil {
		return domain.Err(ferrors.New(ferrors.PredicateParse, "malformed AdminRequest: %v", err)), nil
	}

	return h.dispatch(req), nil
}

func (h *Handler) resolveAdminKey(keyID string) (ed25519.PublicKey, bool) {
	k, ok := h.store.GetAdminAuthorizedKey(keyID)
	if !ok {
		return nil, false
	}
	return ed25519.PublicKey(k.PublicKey), true
}

func (h *Handler) dispatch(req domain.AdminRequest) domain.AdminRequestResponse {
	switch req.Kind {
	case domain.KindListConnectedExecutors:
		return h.listConnectedExecutors(req)
	case domain.KindListKnownExecutors:
		return h.listKnownExecutors(req)
	case domain.KindListRunningTasks:
		return domain.OK(h.tasks.RunningTasks())
	case domain.KindDropExecutor:
		if err := h.store.DropExecutor(req.ClientID); err != nil {
			return domain.Err(err)
		}
		h.registry.ForceDisconnect(req.ClientID)
		return domain.OK(map[string]string{"status": "dropped"})
	case domain.KindListExecutorKeys:
		return domain.OK(h.store.ListExecutorKeys(domain.ExecutorKeyFilter{}))
	case domain.KindApproveExecutorKey:
		if err := h.store.ApproveExecutorKey(req.ClientID); err != nil {
			return domain.Err(err)
		}
		return domain.OK(map[string]string{"status": "approved"})
	case domain.KindListAuthorizedKeys:
		return domain.OK(h.store.ListAuthorizedKeys())
	case domain.KindListAdminAuthKeys:
		return domain.OK(h.store.ListAdminAuthorizedKeys())
	case domain.KindRotateAdminKey:
		newKey := domain.AdminAuthorizedKey{KeyID: req.NewAdminKeyID, PublicKey: req.NewAdminKey}
		if err := h.store.RotateAdminKey(newKey, req.RevokeAdminKeyID); err != nil {
			return domain.Err(err)
		}
		return domain.OK(map[string]string{"status": "rotated"})
	default:
		return domain.Err(ferrors.New(ferrors.PredicateParse, "unhandled admin request kind %q", req.Kind))
	}
}

func (h *Handler) listConnectedExecutors(req domain.AdminRequest) domain.AdminRequestResponse {
	var matchFn func(domain.TagTree) (bool, error)
	if req.Predicate != "" {
		matchFn = func(tags domain.TagTree) (bool, error) {
			return h.matcher.Match(req.Predicate, tags)
		}
	}
	snaps, err := h.registry.ListConnected(matchFn)
	if err != nil {
		return domain.Err(err)
	}
	return domain.OK(snaps)
}

func (h *Handler) listKnownExecutors(req domain.AdminRequest) domain.AdminRequestResponse {
	return domain.OK(h.store.ListExecutorKeys(domain.ExecutorKeyFilter{}))
}
