package admin

import (
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/keystore"
	"github.com/zenria/funtonic/internal/predicate"
	"github.com/zenria/funtonic/internal/registry"
	"github.com/zenria/funtonic/internal/signing"
)

type fakeTaskIndex struct{ tasks []domain.RunningTask }

func (f fakeTaskIndex) RunningTasks() []domain.RunningTask { return f.tasks }

func setup(t *testing.T) (*Handler, *keystore.Store, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	adminPub, adminPriv, _ := ed25519.GenerateKey(nil)
	store, err := keystore.Open(path, nil, []domain.AdminAuthorizedKey{{KeyID: "admin1", PublicKey: adminPub}})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New(store)
	h := New(store, reg, predicate.Default{}, fakeTaskIndex{tasks: []domain.RunningTask{{
		TaskID:    "t1",
		Predicate: "os=linux",
		Pending:   []string{"host1"},
		Matched:   []string{"host1", "host2"},
	}}}, nil)
	return h, store, adminPub, adminPriv
}

func signRequest(t *testing.T, priv ed25519.PrivateKey, req domain.AdminRequest) signing.Payload {
	t.Helper()
	raw, err := req.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	return signing.Sign(raw, priv, "admin1", time.Minute)
}

func TestHandle_ListRunningTasks(t *testing.T) {
	h, _, _, priv := setup(t)
	env := signRequest(t, priv, domain.AdminRequest{Kind: domain.KindListRunningTasks})

	resp, err := h.Handle(env)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error response: %s", resp.Error)
	}
	var tasks []domain.RunningTask
	if err := json.Unmarshal([]byte(resp.JSONResponse), &tasks); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "t1" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if tasks[0].Predicate != "os=linux" {
		t.Fatalf("expected predicate in snapshot, got %+v", tasks[0])
	}
	if len(tasks[0].Pending) != 1 || len(tasks[0].Matched) != 2 {
		t.Fatalf("expected pending/matched sets in snapshot, got %+v", tasks[0])
	}
}

func TestHandle_ApproveThenDropExecutor(t *testing.T) {
	h, store, _, priv := setup(t)
	if err := store.PutPendingExecutorKey("host1", []byte("pk")); err != nil {
		t.Fatal(err)
	}

	approveEnv := signRequest(t, priv, domain.AdminRequest{Kind: domain.KindApproveExecutorKey, ClientID: "host1"})
	resp, err := h.Handle(approveEnv)
	if err != nil || resp.Error != "" {
		t.Fatalf("approve failed: err=%v resp=%+v", err, resp)
	}
	entry, ok := store.GetExecutorKey("host1")
	if !ok || entry.State != domain.Approved {
		t.Fatalf("expected approved entry, got %+v", entry)
	}

	dropEnv := signRequest(t, priv, domain.AdminRequest{Kind: domain.KindDropExecutor, ClientID: "host1"})
	resp, err = h.Handle(dropEnv)
	if err != nil || resp.Error != "" {
		t.Fatalf("drop failed: err=%v resp=%+v", err, resp)
	}
	if _, ok := store.GetExecutorKey("host1"); ok {
		t.Fatalf("expected executor entry removed")
	}
}

func TestHandle_UnknownClientReturnsErrorResponseNotRPCError(t *testing.T) {
	h, _, _, priv := setup(t)
	env := signRequest(t, priv, domain.AdminRequest{Kind: domain.KindApproveExecutorKey, ClientID: "ghost"})

	resp, err := h.Handle(env)
	if err != nil {
		t.Fatalf("expected application-level error, not RPC error: %v", err)
	}
	if resp.Error == "" {
		t.Fatalf("expected non-empty error field")
	}
}

func TestHandle_RejectsNonAdminKey(t *testing.T) {
	h, _, _, _ := setup(t)
	_, otherPriv, _ := ed25519.GenerateKey(nil)
	env := signRequest(t, otherPriv, domain.AdminRequest{Kind: domain.KindListRunningTasks})
	// re-sign under a key_id not in the admin set
	raw, _ := domain.AdminRequest{Kind: domain.KindListRunningTasks}.MarshalJSON()
	env = signing.Sign(raw, otherPriv, "not-admin", time.Minute)

	if _, err := h.Handle(env); err == nil {
		t.Fatalf("expected rejection for non-admin key_id")
	}
}

func TestHandle_RotateAdminKey(t *testing.T) {
	h, store, _, priv := setup(t)
	newPub, _, _ := ed25519.GenerateKey(nil)
	env := signRequest(t, priv, domain.AdminRequest{
		Kind:             domain.KindRotateAdminKey,
		NewAdminKeyID:    "admin2",
		NewAdminKey:      newPub,
		RevokeAdminKeyID: "admin1",
	})
	resp, err := h.Handle(env)
	if err != nil || resp.Error != "" {
		t.Fatalf("rotate failed: err=%v resp=%+v", err, resp)
	}
	if _, ok := store.GetAdminAuthorizedKey("admin1"); ok {
		t.Fatalf("expected old admin key revoked")
	}
	if _, ok := store.GetAdminAuthorizedKey("admin2"); !ok {
		t.Fatalf("expected new admin key present")
	}
}
