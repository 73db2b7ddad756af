package registry

import (
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/keystore"
	"github.com/zenria/funtonic/internal/signing"
)

type fakeSink struct {
	sent   []domain.LaunchEnvelope
	closed bool
}

func (f *fakeSink) Send(env domain.LaunchEnvelope) error {
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSink) Close() { f.closed = true }

func newTestRegistry(t *testing.T) (*Registry, *keystore.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	store, err := keystore.Open(path, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestRegister_UnknownClientPending(t *testing.T) {
	r, store := newTestRegistry(t)
	err := r.Register("host1", []byte("pk"), domain.NewStringTag("x"), "1.0.0", "1", &fakeSink{})

	kind, ok := ferrors.KindOf(err)
	if !ok || kind != ferrors.PendingApproval {
		t.Fatalf("expected PendingApproval, got %v", err)
	}
	entry, known := store.GetExecutorKey("host1")
	if !known || entry.State != domain.Pending {
		t.Fatalf("expected pending entry persisted, got %+v known=%v", entry, known)
	}
}

func TestRegister_KeyMismatch(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk-a")); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	err := r.Register("host1", []byte("pk-b"), domain.NewStringTag("x"), "1.0.0", "1", &fakeSink{})
	kind, ok := ferrors.KindOf(err)
	if !ok || kind != ferrors.KeyMismatch {
		t.Fatalf("expected KeyMismatch, got %v", err)
	}
}

func TestRegister_ApprovedSucceeds(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk-a")); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	sink := &fakeSink{}
	if err := r.Register("host1", []byte("pk-a"), domain.NewStringTag("x"), "1.0.0", "1", sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Len())
	}
}

func TestRegister_SupersedesPriorConnection(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk-a")); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	sink1 := &fakeSink{}
	if err := r.Register("host1", []byte("pk-a"), domain.NewStringTag("x"), "1.0.0", "1", sink1); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	sink2 := &fakeSink{}
	if err := r.Register("host1", []byte("pk-a"), domain.NewStringTag("y"), "1.0.1", "1", sink2); err != nil {
		t.Fatalf("register 2: %v", err)
	}
	if !sink1.closed {
		t.Fatalf("expected prior sink to be closed on supersession")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 connection after supersession, got %d", r.Len())
	}
}

type observerRecorder struct {
	disconnected []string
}

func (o *observerRecorder) OnExecutorDisconnected(clientID string) {
	o.disconnected = append(o.disconnected, clientID)
}

func TestUnregister_NotifiesObservers(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk-a")); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	obs := &observerRecorder{}
	r.AddObserver(obs)

	sink := &fakeSink{}
	if err := r.Register("host1", []byte("pk-a"), domain.NewStringTag("x"), "1.0.0", "1", sink); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Unregister("host1", sink)

	if len(obs.disconnected) != 1 || obs.disconnected[0] != "host1" {
		t.Fatalf("expected disconnect notification for host1, got %v", obs.disconnected)
	}
	if r.Len() != 0 {
		t.Fatalf("expected 0 connections after unregister, got %d", r.Len())
	}
}

func TestUnregister_SupersededConnectionIsNoop(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk-a")); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	obs := &observerRecorder{}
	r.AddObserver(obs)

	sink1 := &fakeSink{}
	r.Register("host1", []byte("pk-a"), domain.NewStringTag("x"), "1.0.0", "1", sink1)
	sink2 := &fakeSink{}
	r.Register("host1", []byte("pk-a"), domain.NewStringTag("y"), "1.0.1", "1", sink2)

	// sink1 is stale; its own Unregister call must not tear down sink2.
	r.Unregister("host1", sink1)
	if len(obs.disconnected) != 0 {
		t.Fatalf("expected no disconnect notification from stale sink, got %v", obs.disconnected)
	}
	if r.Len() != 1 {
		t.Fatalf("expected connection to survive stale unregister, got %d", r.Len())
	}
}

func TestDispatch_NotConnected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ok, err := r.Dispatch("ghost", domain.LaunchEnvelope{TaskID: "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unconnected client")
	}
}

func TestListConnected_Filter(t *testing.T) {
	r, store := newTestRegistry(t)
	for _, id := range []string{"a", "b"} {
		if err := store.PutPendingExecutorKey(id, []byte("pk-"+id)); err != nil {
			t.Fatal(err)
		}
		if err := store.ApproveExecutorKey(id); err != nil {
			t.Fatal(err)
		}
	}
	r.Register("a", []byte("pk-a"), domain.NewStringTag("linux"), "1.0.0", "1", &fakeSink{})
	r.Register("b", []byte("pk-b"), domain.NewStringTag("windows"), "1.0.0", "1", &fakeSink{})

	matchLinuxOnly := func(t domain.TagTree) (bool, error) {
		return t.IsString() && t.Str == "linux", nil
	}
	snaps, err := r.ListConnected(matchLinuxOnly)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ClientID != "a" {
		t.Fatalf("unexpected snapshot list: %+v", snaps)
	}
	if snaps[0].Version != "1.0.0" || snaps[0].ProtocolVersion != "1" {
		t.Fatalf("expected version metadata in snapshot, got %+v", snaps[0])
	}
}

func TestRegisterWithEnvelope_RejectsKeyIDMismatch(t *testing.T) {
	r, store := newTestRegistry(t)
	pub, priv, _ := ed25519.GenerateKey(nil)
	if err := store.PutPendingExecutorKey("host1", pub); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	env := signing.Sign([]byte("irrelevant"), priv, "not-host1", time.Minute)
	req := domain.RegisterExecutorPayload{ClientID: "host1", PublicKey: pub, Tags: domain.NewStringTag("x")}

	err := r.RegisterWithEnvelope(req, env, nil, time.Now(), &fakeSink{})
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.Unauthorized {
		t.Fatalf("expected Unauthorized for key_id mismatch, got %v", err)
	}
}

func TestRegisterWithEnvelope_VerifiesAgainstStoredKey(t *testing.T) {
	r, store := newTestRegistry(t)
	pub, priv, _ := ed25519.GenerateKey(nil)
	if err := store.PutPendingExecutorKey("host1", pub); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	_, otherPriv, _ := ed25519.GenerateKey(nil)
	env := signing.Sign([]byte("irrelevant"), otherPriv, "host1", time.Minute)
	req := domain.RegisterExecutorPayload{ClientID: "host1", PublicKey: pub, Tags: domain.NewStringTag("x")}

	if err := r.RegisterWithEnvelope(req, env, nil, time.Now(), &fakeSink{}); err == nil {
		t.Fatalf("expected signature verification failure")
	}

	env = signing.Sign([]byte("irrelevant"), priv, "host1", time.Minute)
	if err := r.RegisterWithEnvelope(req, env, nil, time.Now(), &fakeSink{}); err != nil {
		t.Fatalf("expected success with correctly-signed envelope: %v", err)
	}
}

func TestContributedKeys_ResolvedWhileConnectedWithdrawnOnDisconnect(t *testing.T) {
	r, store := newTestRegistry(t)
	pub, priv, _ := ed25519.GenerateKey(nil)
	if err := store.PutPendingExecutorKey("host1", pub); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}

	cmdPub, _, _ := ed25519.GenerateKey(nil)
	env := signing.Sign([]byte("irrelevant"), priv, "host1", time.Minute)
	req := domain.RegisterExecutorPayload{
		ClientID:  "host1",
		PublicKey: pub,
		Tags:      domain.NewStringTag("x"),
		ContributedKeys: []domain.AuthorizeKey{
			{KeyID: "cmd-from-host1", PublicKey: cmdPub},
		},
	}
	sink := &fakeSink{}
	if err := r.RegisterWithEnvelope(req, env, nil, time.Now(), sink); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := r.ResolveAuthorizedKey("cmd-from-host1"); !ok {
		t.Fatalf("expected contributed key to resolve while connected")
	}

	resolver := UnionResolver(store, r)
	if _, ok := resolver("cmd-from-host1"); !ok {
		t.Fatalf("expected UnionResolver to see contributed key")
	}

	r.Unregister("host1", sink)
	if _, ok := r.ResolveAuthorizedKey("cmd-from-host1"); ok {
		t.Fatalf("expected contributed key withdrawn after disconnect")
	}
}

func TestForceDisconnect_ClosesAndNotifies(t *testing.T) {
	r, store := newTestRegistry(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk-a")); err != nil {
		t.Fatal(err)
	}
	if err := store.ApproveExecutorKey("host1"); err != nil {
		t.Fatal(err)
	}
	obs := &observerRecorder{}
	r.AddObserver(obs)

	sink := &fakeSink{}
	if err := r.Register("host1", []byte("pk-a"), domain.NewStringTag("x"), "1.0.0", "1", sink); err != nil {
		t.Fatal(err)
	}

	r.ForceDisconnect("host1")
	if !sink.closed {
		t.Fatalf("expected outbound channel closed")
	}
	if len(obs.disconnected) != 1 || obs.disconnected[0] != "host1" {
		t.Fatalf("expected disconnect notification, got %v", obs.disconnected)
	}
	if r.Len() != 0 {
		t.Fatalf("expected connection removed")
	}
}
