package signing

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/zenria/funtonic/internal/ferrors"
	"github.com/zenria/funtonic/internal/replaycache"
)

func testKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func staticResolver(keyID string, pub ed25519.PublicKey) KeyResolverFunc {
	return func(id string) (ed25519.PublicKey, bool) {
		if id == keyID {
			return pub, true
		}
		return nil, false
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := testKeypair(t)
	payload := []byte(`{"kind":"execute_command","execute_command":{"command":"uptime"}}`)

	env := Sign(payload, priv, "k1", time.Minute)
	if env.KeyID != "k1" {
		t.Fatalf("unexpected key_id %q", env.KeyID)
	}

	got, err := Verify(env, staticResolver("k1", pub), nil, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("verify returned different payload bytes")
	}
}

func TestVerify_UnknownKey(t *testing.T) {
	_, priv := testKeypair(t)
	env := Sign([]byte("x"), priv, "k1", time.Minute)

	_, err := Verify(env, staticResolver("other", nil), nil, time.Now())
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.UnknownKey {
		t.Fatalf("expected UnknownKey, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	pub, priv := testKeypair(t)
	env := Sign([]byte("x"), priv, "k1", time.Minute)

	later := time.Now().Add(2 * time.Minute)
	_, err := Verify(env, staticResolver("k1", pub), nil, later)
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.Expired {
		t.Fatalf("expected Expired, got %v", err)
	}
}

func TestVerify_ReplayRejectedWithinWindow(t *testing.T) {
	pub, priv := testKeypair(t)
	env := Sign([]byte("x"), priv, "k1", time.Minute)
	cache := replaycache.NewMemory()
	resolver := staticResolver("k1", pub)

	if _, err := Verify(env, resolver, cache, time.Now()); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	_, err := Verify(env, resolver, cache, time.Now())
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.Replay {
		t.Fatalf("expected Replay on re-submission, got %v", err)
	}
}

// Any mutation of the signed region (payload, nonce, valid_until_secs) or
// the signature itself must fail as InvalidSignature, never as a different
// kind or a silent success.
func TestVerify_TamperDetection(t *testing.T) {
	pub, priv := testKeypair(t)
	resolver := staticResolver("k1", pub)

	tests := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"payload bit flip", func(p *Payload) {
			p.Payload = append([]byte(nil), p.Payload...)
			p.Payload[0] ^= 0x01
		}},
		{"nonce bit flip", func(p *Payload) { p.Nonce ^= 1 }},
		{"valid_until bit flip", func(p *Payload) { p.ValidUntilSecs ^= 1 }},
		{"signature bit flip", func(p *Payload) {
			p.Signature = append([]byte(nil), p.Signature...)
			p.Signature[0] ^= 0x01
		}},
		{"payload truncated", func(p *Payload) { p.Payload = p.Payload[:len(p.Payload)-1] }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := Sign([]byte("some payload bytes"), priv, "k1", time.Hour)
			tc.mutate(&env)
			_, err := Verify(env, resolver, nil, time.Now())
			if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.InvalidSignature {
				t.Fatalf("expected InvalidSignature, got %v", err)
			}
		})
	}
}

func TestVerify_WrongKeyFailsSignature(t *testing.T) {
	_, priv := testKeypair(t)
	otherPub, _ := testKeypair(t)

	env := Sign([]byte("x"), priv, "k1", time.Minute)
	_, err := Verify(env, staticResolver("k1", otherPub), nil, time.Now())
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.InvalidSignature {
		t.Fatalf("expected InvalidSignature under the wrong public key, got %v", err)
	}
}

func TestCheckWindow(t *testing.T) {
	_, priv := testKeypair(t)
	now := time.Now()

	within := Sign([]byte("x"), priv, "k1", 30*time.Second)
	if err := CheckWindow(within, now, time.Minute); err != nil {
		t.Fatalf("expected envelope within window to pass: %v", err)
	}

	beyond := Sign([]byte("x"), priv, "k1", time.Hour)
	err := CheckWindow(beyond, now, time.Minute)
	if kind, ok := ferrors.KindOf(err); !ok || kind != ferrors.Expired {
		t.Fatalf("expected rejection beyond replay window, got %v", err)
	}

	if err := CheckWindow(beyond, now, 0); err != nil {
		t.Fatalf("expected zero window to disable the bound: %v", err)
	}
}

func TestSign_FreshNoncePerEnvelope(t *testing.T) {
	_, priv := testKeypair(t)
	a := Sign([]byte("x"), priv, "k1", time.Minute)
	b := Sign([]byte("x"), priv, "k1", time.Minute)
	if a.Nonce == b.Nonce {
		t.Fatalf("two envelopes share nonce %d", a.Nonce)
	}
}
