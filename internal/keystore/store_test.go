package keystore

import (
	"path/filepath"
	"testing"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := Open(path, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutPendingExecutorKey_IdempotentAndConflict(t *testing.T) {
	s := openTestStore(t)
	key := []byte("key-a")

	if err := s.PutPendingExecutorKey("host1", key); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := s.PutPendingExecutorKey("host1", key); err != nil {
		t.Fatalf("idempotent put: %v", err)
	}

	if err := s.ApproveExecutorKey("host1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	err := s.PutPendingExecutorKey("host1", []byte("key-b"))
	kind, ok := ferrors.KindOf(err)
	if !ok || kind != ferrors.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestApproveExecutorKey_UnknownClient(t *testing.T) {
	s := openTestStore(t)
	err := s.ApproveExecutorKey("ghost")
	kind, ok := ferrors.KindOf(err)
	if !ok || kind != ferrors.UnknownKey {
		t.Fatalf("expected UnknownKey, got %v", err)
	}
}

func TestListExecutorKeys_Filter(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutPendingExecutorKey("a", []byte("ka")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutPendingExecutorKey("b", []byte("kb")); err != nil {
		t.Fatal(err)
	}
	if err := s.ApproveExecutorKey("b"); err != nil {
		t.Fatal(err)
	}

	pending := s.ListExecutorKeys(domain.ExecutorKeyFilter{State: domain.Pending})
	if len(pending) != 1 || pending[0].ClientID != "a" {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	all := s.ListExecutorKeys(domain.ExecutorKeyFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
}

func TestDropExecutor(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutPendingExecutorKey("a", []byte("ka")); err != nil {
		t.Fatal(err)
	}
	if err := s.DropExecutor("a"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := s.GetExecutorKey("a"); ok {
		t.Fatalf("expected entry gone")
	}
	if err := s.DropExecutor("a"); err == nil {
		t.Fatalf("expected error dropping twice")
	}
}

func TestOpen_ReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s1, err := Open(path, []domain.AuthorizedKey{{KeyID: "cmd1", PublicKey: []byte("pk")}}, nil)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if err := s1.PutPendingExecutorKey("a", []byte("ka")); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, []domain.AuthorizedKey{{KeyID: "cmd1", PublicKey: []byte("pk")}}, nil)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()

	if _, ok := s2.GetExecutorKey("a"); !ok {
		t.Fatalf("expected executor key to survive reload")
	}
	if _, ok := s2.GetAuthorizedKey("cmd1"); !ok {
		t.Fatalf("expected static key to survive reload")
	}
}

func TestRotateAdminKey(t *testing.T) {
	s := openTestStore(t)
	if err := s.RotateAdminKey(domain.AdminAuthorizedKey{KeyID: "admin2", PublicKey: []byte("pk2")}, ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.RotateAdminKey(domain.AdminAuthorizedKey{KeyID: "admin3", PublicKey: []byte("pk3")}, "admin2"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, ok := s.GetAdminAuthorizedKey("admin2"); ok {
		t.Fatalf("expected old admin key gone")
	}
	if _, ok := s.GetAdminAuthorizedKey("admin3"); !ok {
		t.Fatalf("expected new admin key present")
	}
}

type roundtripCipher struct{}

func (roundtripCipher) Encrypt(p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[i] = b ^ 0x42
	}
	return out, nil
}

func (roundtripCipher) Decrypt(c []byte) ([]byte, error) {
	out := make([]byte, len(c))
	for i, b := range c {
		out[i] = b ^ 0x42
	}
	return out, nil
}

func TestOpen_WithEnvelopeCipher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	s1, err := Open(path, nil, nil, WithEnvelopeCipher(roundtripCipher{}))
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if err := s1.PutPendingExecutorKey("a", []byte("ka")); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, nil, nil, WithEnvelopeCipher(roundtripCipher{}))
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer s2.Close()
	if _, ok := s2.GetExecutorKey("a"); !ok {
		t.Fatalf("expected executor key to survive encrypted reload")
	}
}
