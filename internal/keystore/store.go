// Package keystore implements the taskserver's persistent key database
// (spec.md section 4.2): the executor key set (pending/approved) and the
// static authorized/admin-authorized key sets, flushed atomically to a
// single document file after every mutation.
//
// Mirrors nova's single-writer, many-reader style (internal/store in the
// teacher serializes Postgres writes behind domain-level methods); here
// the backing store is a local file rather than Postgres, since spec.md
// section 6 specifies a single-file document store rather than a database.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zenria/funtonic/internal/domain"
	"github.com/zenria/funtonic/internal/ferrors"
	"golang.org/x/sys/unix"
)

// document is the on-disk shape. It is treated as authoritative on load;
// no migration between schema versions is attempted (spec.md section 4.2).
type document struct {
	SchemaVersion int                                `json:"schema_version"`
	ExecutorKeys  map[string]domain.ExecutorKeyEntry  `json:"executor_keys"`
	StaticKeys    map[string]domain.AuthorizedKey      `json:"static_authorized_keys"`
	AdminKeys     map[string]domain.AdminAuthorizedKey `json:"admin_authorized_keys"`
}

const currentSchemaVersion = 1

func newDocument() document {
	return document{
		SchemaVersion: currentSchemaVersion,
		ExecutorKeys:  make(map[string]domain.ExecutorKeyEntry),
		StaticKeys:    make(map[string]domain.AuthorizedKey),
		AdminKeys:     make(map[string]domain.AdminAuthorizedKey),
	}
}

// EnvelopeCipher encrypts/decrypts the document bytes at rest. Wiring it to
// an AWS KMS data key (see cipher_kms.go) protects the persisted file;
// it has no bearing on the wire signing protocol, which is unaffected
// either way (SPEC_FULL.md section 4).
type EnvelopeCipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Store is a single-writer, many-reader key database backed by path. An
// *os.File advisory lock (flock) guards against two taskserver processes
// sharing the same data_file, which the in-process mutex alone cannot
// prevent.
type Store struct {
	mu       sync.RWMutex
	path     string
	doc      document
	lockFile *os.File
	cipher   EnvelopeCipher

	nowFunc func() time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(s *Store) { s.nowFunc = f }
}

// WithEnvelopeCipher enables at-rest encryption of the document file.
func WithEnvelopeCipher(c EnvelopeCipher) Option {
	return func(s *Store) { s.cipher = c }
}

// Open loads path if it exists, or creates an empty document, and takes an
// advisory flock on it. staticKeys/adminKeys seed the static sets from
// configuration on every startup (spec.md section 6: "the latter two can
// also be reloaded from configuration on startup"); keys persisted by
// AddAuthorizedKey are kept.
func Open(path string, staticKeys []domain.AuthorizedKey, adminKeys []domain.AdminAuthorizedKey, opts ...Option) (*Store, error) {
	s := &Store{path: path, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	if err := s.lock(); err != nil {
		return nil, err
	}

	static := make(map[string]domain.AuthorizedKey, len(staticKeys))
	for id, k := range s.doc.StaticKeys {
		if k.Source == domain.SourceApproved {
			static[id] = k
		}
	}
	for _, k := range staticKeys {
		k.Source = domain.SourceStatic
		static[k.KeyID] = k
	}
	s.doc.StaticKeys = static
	s.doc.AdminKeys = make(map[string]domain.AdminAuthorizedKey, len(adminKeys))
	for _, k := range adminKeys {
		s.doc.AdminKeys[k.KeyID] = k
	}

	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.doc = newDocument()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read key store %s: %w", s.path, err)
	}
	if s.cipher != nil {
		data, err = s.cipher.Decrypt(data)
		if err != nil {
			return fmt.Errorf("decrypt key store %s: %w", s.path, err)
		}
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse key store %s: %w", s.path, err)
	}
	if doc.ExecutorKeys == nil {
		doc.ExecutorKeys = make(map[string]domain.ExecutorKeyEntry)
	}
	s.doc = doc
	return nil
}

func (s *Store) lock() error {
	f, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("data_file %s is locked by another taskserver process: %w", s.path, err)
	}
	s.lockFile = f
	return nil
}

// Close releases the advisory lock. It does not flush; callers should not
// hold pending mutations across Close.
func (s *Store) Close() error {
	if s.lockFile == nil {
		return nil
	}
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	return s.lockFile.Close()
}

// flushLocked writes the document atomically (write-to-temp + rename) and
// must be called with mu held for write. Every mutation method below ends
// with a call to this, matching spec.md section 4.2's "flushed after each
// mutation".
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key store: %w", err)
	}
	if s.cipher != nil {
		data, err = s.cipher.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypt key store: %w", err)
		}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".keystore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp key store file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp key store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp key store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp key store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp key store file into place: %w", err)
	}
	return nil
}

// GetExecutorKey returns the persisted entry for clientID, if any.
func (s *Store) GetExecutorKey(clientID string) (domain.ExecutorKeyEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.doc.ExecutorKeys[clientID]
	return e, ok
}

// PutPendingExecutorKey persists clientID -> publicKey as Pending. It is a
// no-op if an identical pending entry already exists, and fails Conflict
// if a *different* key is already Approved for this clientID (spec.md
// section 4.2).
func (s *Store) PutPendingExecutorKey(clientID string, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.doc.ExecutorKeys[clientID]; ok {
		if bytesEqual(existing.PublicKey, publicKey) {
			return nil
		}
		if existing.State == domain.Approved {
			return ferrors.New(ferrors.Conflict, "client_id %q is approved under a different key", clientID)
		}
		// Different pending key: overwrite, the latest registration wins
		// for an executor that has not been approved yet.
	}

	s.doc.ExecutorKeys[clientID] = domain.ExecutorKeyEntry{
		ClientID:    clientID,
		PublicKey:   publicKey,
		State:       domain.Pending,
		FirstSeenAt: s.nowFunc(),
	}
	return s.flushLocked()
}

// ApproveExecutorKey transitions a pending entry to Approved.
func (s *Store) ApproveExecutorKey(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.doc.ExecutorKeys[clientID]
	if !ok {
		return ferrors.New(ferrors.UnknownKey, "no executor key entry for client_id %q", clientID)
	}
	now := s.nowFunc()
	e.State = domain.Approved
	e.ApprovedAt = &now
	s.doc.ExecutorKeys[clientID] = e
	return s.flushLocked()
}

// DropExecutor removes the persisted entry for clientID.
func (s *Store) DropExecutor(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.ExecutorKeys[clientID]; !ok {
		return ferrors.New(ferrors.UnknownKey, "no executor key entry for client_id %q", clientID)
	}
	delete(s.doc.ExecutorKeys, clientID)
	return s.flushLocked()
}

// ListExecutorKeys returns entries matching filter, sorted by client_id
// for deterministic output.
func (s *Store) ListExecutorKeys(filter domain.ExecutorKeyFilter) []domain.ExecutorKeyEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ExecutorKeyEntry, 0, len(s.doc.ExecutorKeys))
	for _, e := range s.doc.ExecutorKeys {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	sortExecutorKeys(out)
	return out
}

// GetAuthorizedKey returns the static or approved authorized key for
// keyID. Executor-contributed keys are not stored here; they live only in
// the registry for the lifetime of the connection (spec.md section 4.2).
func (s *Store) GetAuthorizedKey(keyID string) (domain.AuthorizedKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.doc.StaticKeys[keyID]
	return k, ok
}

// ListAuthorizedKeys returns the static+approved set (the registry
// contributes the rest at resolution time; see internal/registry).
func (s *Store) ListAuthorizedKeys() []domain.AuthorizedKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuthorizedKey, 0, len(s.doc.StaticKeys))
	for _, k := range s.doc.StaticKeys {
		out = append(out, k)
	}
	sortAuthorizedKeys(out)
	return out
}

// AddAuthorizedKey persists a new commander-authorized key, e.g. from an
// authorizeKey LaunchTask variant (spec.md section 4.5 step 1).
func (s *Store) AddAuthorizedKey(k domain.AuthorizedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.Source = domain.SourceApproved
	s.doc.StaticKeys[k.KeyID] = k
	return s.flushLocked()
}

// RemoveAuthorizedKey removes a commander-authorized key, e.g. from a
// revokeKey LaunchTask variant.
func (s *Store) RemoveAuthorizedKey(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc.StaticKeys, keyID)
	return s.flushLocked()
}

// GetAdminAuthorizedKey returns the admin key for keyID.
func (s *Store) GetAdminAuthorizedKey(keyID string) (domain.AdminAuthorizedKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.doc.AdminKeys[keyID]
	return k, ok
}

// ListAdminAuthorizedKeys returns the admin key set.
func (s *Store) ListAdminAuthorizedKeys() []domain.AdminAuthorizedKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AdminAuthorizedKey, 0, len(s.doc.AdminKeys))
	for _, k := range s.doc.AdminKeys {
		out = append(out, k)
	}
	sortAdminKeys(out)
	return out
}

// RotateAdminKey adds newKey and removes oldKeyID in a single flush, so a
// reader never observes a window with neither key present (supplemental
// operation, see SPEC_FULL.md section 4).
func (s *Store) RotateAdminKey(newKey domain.AdminAuthorizedKey, oldKeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.AdminKeys[newKey.KeyID] = newKey
	if oldKeyID != "" {
		delete(s.doc.AdminKeys, oldKeyID)
	}
	return s.flushLocked()
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
