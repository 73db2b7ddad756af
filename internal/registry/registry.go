// Package registry tracks the set of executors currently connected to a
// taskserver: their outbound dispatch channel, advertised tags, and the
// authorized keys they contribute for the lifetime of the connection
// (spec.md section 4.3). It is the live complement to internal/keystore,
// which only remembers approval state across restarts.
package registry

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/keystore"
	"github.com/zenria/funtonic/internal/metrics"
	"github.com/zenria/funtonic/internal/signing"
)

// DispatchSink is the outbound channel a connected executor's GetTasks
// stream pumps from. It is a narrow interface so the registry does not
// need to know about gRPC server-stream types.
type DispatchSink interface {
	// Send enqueues env for delivery. It must not block past the
	// implementation's own bounded-queue policy; the dispatcher treats a
	// full queue as equivalent to a disconnect (spec.md section 4.5 step
	// 5).
	Send(env domain.LaunchEnvelope) error
	// Close tears down the stream, e.g. because a newer connection from
	// the same client_id superseded it.
	Close()
}

// connection is one live executor's registry entry.
type connection struct {
	clientID        string
	publicKey       ed25519.PublicKey
	tags            domain.TagTree
	version         string
	protocolVersion string
	sink            DispatchSink
	// contributedKeys are the keys this executor's GetTasksRequest
	// declared it contributes to the authorized-key union for the
	// lifetime of this connection; withdrawn on disconnect simply by the
	// connection record being dropped (spec.md section 4.2).
	contributedKeys map[string]ed25519.PublicKey
}

// DisconnectObserver is notified when a connection is withdrawn, so the
// dispatcher can fail any of that client's in-flight tasks (spec.md
// section 4.3's "synthetic disconnected result").
type DisconnectObserver interface {
	OnExecutorDisconnected(clientID string)
}

// Registry is safe for concurrent use: reads (snapshot, resolve) take the
// read lock; register/unregister take the write lock only for the map
// mutation itself.
type Registry struct {
	store *keystore.Store

	mu          sync.RWMutex
	connections map[string]*connection

	observerMu sync.RWMutex
	observers  []DisconnectObserver
}

// New builds a Registry backed by store for persistent approval state.
func New(store *keystore.Store) *Registry {
	return &Registry{
		store:       store,
		connections: make(map[string]*connection),
	}
}

// AddObserver registers o to be notified of future disconnects.
func (r *Registry) AddObserver(o DisconnectObserver) {
	r.observerMu.Lock()
	defer r.observerMu.Unlock()
	r.observers = append(r.observers, o)
}

// Register implements spec.md section 4.3 steps a-g: it persists a
// first-seen key as Pending, rejects a pending (not-yet-approved) key,
// rejects a key that conflicts with a stored one, and otherwise installs
// the connection, superseding any prior live connection for the same
// client_id.
func (r *Registry) Register(clientID string, publicKey ed25519.PublicKey, tags domain.TagTree, version, protocolVersion string, sink DispatchSink) error {
	entry, known := r.store.GetExecutorKey(clientID)

	if !known {
		if err := r.store.PutPendingExecutorKey(clientID, publicKey); err != nil {
			return err
		}
		metrics.RecordRegistration("pending")
		return ferrors.New(ferrors.PendingApproval, "client_id %q registered and awaiting admin approval", clientID)
	}

	if !bytesEqual(entry.PublicKey, publicKey) {
		metrics.RecordRegistration("key_mismatch")
		return ferrors.New(ferrors.KeyMismatch, "client_id %q presented a key that does not match the stored one", clientID)
	}
	if entry.State != domain.Approved {
		metrics.RecordRegistration("pending")
		return ferrors.New(ferrors.PendingApproval, "client_id %q is not yet approved", clientID)
	}

	r.mu.Lock()
	prior, existed := r.connections[clientID]
	r.connections[clientID] = &connection{
		clientID:        clientID,
		publicKey:       publicKey,
		tags:            tags,
		version:         version,
		protocolVersion: protocolVersion,
		sink:            sink,
	}
	r.mu.Unlock()

	if existed {
		// A reconnect supersedes the prior stream; the old connection's
		// GetTasks call returns and nothing retroactively replays to it
		// (DESIGN.md, "Open Question decisions").
		prior.sink.Close()
	}

	metrics.SetExecutorsConnected(r.Len())
	metrics.RecordRegistration("ok")
	return nil
}

// Unregister withdraws clientID's connection (if it is still the current
// one for that client_id; a superseded entry unregistering itself is a
// no-op) and notifies disconnect observers.
func (r *Registry) Unregister(clientID string, sink DispatchSink) {
	r.mu.Lock()
	current, ok := r.connections[clientID]
	if ok && current.sink == sink {
		delete(r.connections, clientID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	metrics.SetExecutorsConnected(r.Len())

	r.observerMu.RLock()
	observers := append([]DisconnectObserver(nil), r.observers...)
	r.observerMu.RUnlock()
	for _, o := range observers {
		o.OnExecutorDisconnected(clientID)
	}
}

// RegisterWithEnvelope is the entry point the GetTasks RPC handler calls:
// it enforces spec.md section 4.3 step (a) (the envelope's key_id must
// equal the claimed client_id) and step (e) (the envelope must verify
// against the stored public key) before delegating to Register for steps
// (b)-(g), then records any keys the executor contributes to the
// authorized-key union for the life of the connection.
func (r *Registry) RegisterWithEnvelope(req domain.RegisterExecutorPayload, envelope signing.Payload, replay signing.ReplayCache, now time.Time, sink DispatchSink) error {
	if envelope.KeyID != req.ClientID {
		return ferrors.New(ferrors.Unauthorized, "GetTasksRequest key_id %q does not match client_id %q", envelope.KeyID, req.ClientID)
	}

	entry, known := r.store.GetExecutorKey(req.ClientID)
	if known && entry.State == domain.Approved && bytesEqual(entry.PublicKey, req.PublicKey) {
		resolver := signing.KeyResolverFunc(func(keyID string) (ed25519.PublicKey, bool) {
			if keyID == req.ClientID {
				return ed25519.PublicKey(entry.PublicKey), true
			}
			return nil, false
		})
		if _, err := signing.Verify(envelope, resolver, replay, now); err != nil {
			return err
		}
	}

	if err := r.Register(req.ClientID, req.PublicKey, req.Tags, req.Version, req.ProtocolVersion, sink); err != nil {
		return err
	}

	r.setContributedKeys(req.ClientID, req.ContributedKeys)
	return nil
}

func (r *Registry) setContributedKeys(clientID string, keys []domain.AuthorizeKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[clientID]
	if !ok {
		return
	}
	m := make(map[string]ed25519.PublicKey, len(keys))
	for _, k := range keys {
		m[k.KeyID] = ed25519.PublicKey(k.PublicKey)
	}
	c.contributedKeys = m
}

// ResolveAuthorizedKey resolves keyID against every connection's
// contributed keys (spec.md section 4.2: the union resolver is the static
// store plus, for each connected executor, authorized_keys_contributed at
// connect time).
func (r *Registry) ResolveAuthorizedKey(keyID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connections {
		if pub, ok := c.contributedKeys[keyID]; ok {
			return pub, true
		}
	}
	return nil, false
}

// UnionResolver composes store's static/approved authorized keys with the
// live registry's connection-contributed keys, implementing the injected
// resolver spec.md's Design Notes section describes ("rather than a
// global mutable, the dispatcher resolves keys via an injected resolver
// that composes the static store with a live view of the registry").
func UnionResolver(store *keystore.Store, reg *Registry) signing.KeyResolverFunc {
	return func(keyID string) (ed25519.PublicKey, bool) {
		if k, ok := store.GetAuthorizedKey(keyID); ok {
			return ed25519.PublicKey(k.PublicKey), true
		}
		return reg.ResolveAuthorizedKey(keyID)
	}
}

// ForceDisconnect closes clientID's live connection, if any, without
// removing its persisted key-store entry. Used by the admin dropExecutor
// handler, which separately removes the persisted entry (spec.md section
// 4.6: "removes the persisted entry and closes the outbound channel if
// connected").
func (r *Registry) ForceDisconnect(clientID string) {
	r.mu.Lock()
	c, ok := r.connections[clientID]
	if ok {
		delete(r.connections, clientID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	c.sink.Close()

	metrics.SetExecutorsConnected(r.Len())
	r.observerMu.RLock()
	observers := append([]DisconnectObserver(nil), r.observers...)
	r.observerMu.RUnlock()
	for _, o := range observers {
		o.OnExecutorDisconnected(clientID)
	}
}

// Len reports the number of currently connected executors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// ConnectedSnapshot is the JSON-encodable point-in-time view of one
// connected executor (spec.md section 4.3 metadata snapshot: client_id,
// tags, version, protocol_version), returned by ListConnected for the
// admin listConnectedExecutors call.
type ConnectedSnapshot struct {
	ClientID        string         `json:"client_id"`
	Tags            domain.TagTree `json:"tags"`
	Version         string         `json:"version"`
	ProtocolVersion string         `json:"protocol_version"`
}

// ListConnected returns every currently connected executor, optionally
// filtered by matches, a predicate.Matcher-shaped callback so this
// package does not import internal/predicate directly.
func (r *Registry) ListConnected(matches func(domain.TagTree) (bool, error)) ([]ConnectedSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnectedSnapshot, 0, len(r.connections))
	for _, c := range r.connections {
		if matches != nil {
			ok, err := matches(c.tags)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, ConnectedSnapshot{
			ClientID:        c.clientID,
			Tags:            c.tags,
			Version:         c.version,
			ProtocolVersion: c.protocolVersion,
		})
	}
	return out, nil
}

// Dispatch sends env to clientID's current connection, if any, returning
// ok=false if the executor is not connected (the caller treats that the
// same as a send failure: synthesize a disconnected result).
func (r *Registry) Dispatch(clientID string, env domain.LaunchEnvelope) (ok bool, err error) {
	r.mu.RLock()
	c, connected := r.connections[clientID]
	r.mu.RUnlock()
	if !connected {
		return false, nil
	}
	if err := c.sink.Send(env); err != nil {
		return false, err
	}
	return true, nil
}

// ResolveExecutorOwnKey resolves clientID's own public key, used by the
// result router to verify TaskExecution uplink envelopes against the
// identity the executor registered with (spec.md section 4.4).
func (r *Registry) ResolveExecutorOwnKey(clientID string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[clientID]
	if !ok {
		return nil, false
	}
	return c.publicKey, true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
