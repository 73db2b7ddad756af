// Package signing implements the signed-payload substrate shared by every
// Funtonic peer: envelope construction (sign), envelope verification
// (verify), and the replay window that makes a verified envelope usable
// exactly once within its validity period.
//
// The signed region is exactly payload || u64_le(nonce) || u64_le(valid_until_secs).
// The signature algorithm is Ed25519 (crypto/ed25519); only Verify and Sign
// are exposed to the rest of the core so the algorithm choice stays an
// implementation detail, matching spec.md section 4.1.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"math"
	mathrand "math/rand"
	"time"

	"github.com/zenria/funtonic/internal/ferrors"
)

// Payload is the wire envelope: (payload, nonce, valid_until_secs,
// signature, key_id). It is JSON-tagged directly because internal/rpc
// transmits it verbatim as a gRPC message field (wire-level framing is out
// of scope per spec.md section 1, so no separate protobuf-shaped duplicate
// is maintained).
type Payload struct {
	Payload        []byte `json:"payload"`
	Nonce          uint64 `json:"nonce"`
	ValidUntilSecs uint64 `json:"valid_until_secs"`
	Signature      []byte `json:"signature"`
	KeyID          string `json:"key_id"`
}

// KeyResolver resolves a key_id to the ed25519 public key that must verify
// an envelope's signature. Implementations compose static configuration
// with live registry state (see internal/registry).
type KeyResolver interface {
	ResolveKey(keyID string) (ed25519.PublicKey, bool)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(keyID string) (ed25519.PublicKey, bool)

// ResolveKey implements KeyResolver.
func (f KeyResolverFunc) ResolveKey(keyID string) (ed25519.PublicKey, bool) { return f(keyID) }

// ReplayCache records (key_id, nonce) pairs seen within their validity
// window and rejects duplicates. Implementations must be safe for
// concurrent use and must bound memory by evicting entries once their
// valid_until_secs passes (spec.md section 4.1).
type ReplayCache interface {
	// CheckAndRemember inserts (keyID, nonce) if not already present,
	// returning false when the pair was already recorded (a replay).
	// validUntilSecs is the absolute unix time after which the entry may
	// be evicted.
	CheckAndRemember(keyID string, nonce uint64, validUntilSecs uint64) bool
}

func signedRegion(payload []byte, nonce, validUntilSecs uint64) []byte {
	buf := make([]byte, len(payload)+16)
	copy(buf, payload)
	binary.LittleEndian.PutUint64(buf[len(payload):], nonce)
	binary.LittleEndian.PutUint64(buf[len(payload)+8:], validUntilSecs)
	return buf
}

// Sign produces a fresh Payload covering payloadBytes, valid for ttl from
// now, signed by privateKey and attributed to keyID.
func Sign(payloadBytes []byte, privateKey ed25519.PrivateKey, keyID string, ttl time.Duration) Payload {
	nonce := randomNonce()
	validUntil := uint64(time.Now().Add(ttl).Unix())
	region := signedRegion(payloadBytes, nonce, validUntil)
	sig := ed25519.Sign(privateKey, region)
	return Payload{
		Payload:        payloadBytes,
		Nonce:          nonce,
		ValidUntilSecs: validUntil,
		Signature:      sig,
		KeyID:          keyID,
	}
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	// crypto/rand is not expected to fail on a supported platform; fall
	// back to a non-cryptographic source rather than panic so a transient
	// entropy-source hiccup does not take a peer down.
	return mathrand.Uint64() //nolint:gosec
}

// Verify checks envelope against resolver and replay, and returns the
// carried payload bytes on success. now is injected so tests can exercise
// expiry precisely; production callers pass time.Now().
func Verify(envelope Payload, resolver KeyResolver, replay ReplayCache, now time.Time) ([]byte, error) {
	pub, ok := resolver.ResolveKey(envelope.KeyID)
	if !ok {
		return nil, ferrors.New(ferrors.UnknownKey, "key_id %q not found", envelope.KeyID)
	}

	region := signedRegion(envelope.Payload, envelope.Nonce, envelope.ValidUntilSecs)
	if !ed25519.Verify(pub, region, envelope.Signature) {
		return nil, ferrors.New(ferrors.InvalidSignature, "signature verification failed for key_id %q", envelope.KeyID)
	}

	if envelope.ValidUntilSecs > math.MaxInt64 {
		return nil, ferrors.New(ferrors.Expired, "valid_until_secs overflows")
	}
	if now.After(time.Unix(int64(envelope.ValidUntilSecs), 0)) {
		return nil, ferrors.New(ferrors.Expired, "envelope expired at %d", envelope.ValidUntilSecs)
	}

	if replay != nil && !replay.CheckAndRemember(envelope.KeyID, envelope.Nonce, envelope.ValidUntilSecs) {
		return nil, ferrors.New(ferrors.Replay, "nonce %d for key_id %q already used", envelope.Nonce, envelope.KeyID)
	}

	return envelope.Payload, nil
}

// CheckWindow rejects an envelope whose valid_until_secs lies more than
// window past now (spec.md section 6, replay_window_secs: the upper bound
// on valid_until_secs - now the server accepts). It bounds how long the
// replay cache must remember any accepted nonce. A zero or negative window
// disables the bound.
func CheckWindow(envelope Payload, now time.Time, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	limit := now.Add(window).Unix()
	if limit > 0 && envelope.ValidUntilSecs > uint64(limit) {
		return ferrors.New(ferrors.Expired, "valid_until_secs %d exceeds the accepted validity window", envelope.ValidUntilSecs)
	}
	return nil
}
