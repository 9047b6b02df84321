package hipaa

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testMaterial(b byte) []byte {
	m := make([]byte, 32)
	for i := range m {
		m[i] = b
	}
	return m
}

func newTestKey(t *testing.T) *Key {
	t.Helper()
	ring := NewKeyManager().CreateKeyRing(DefaultKeyRing)
	key, err := ring.CreateKey(DefaultKey, testMaterial(0x11))
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := newTestKey(t)

	plaintext := "Patient/PAT-123456"
	envelope, err := key.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if envelope == plaintext {
		t.Fatal("envelope equals plaintext")
	}
	if _, err := base64.StdEncoding.DecodeString(envelope); err != nil {
		t.Fatalf("envelope is not valid base64: %v", err)
	}

	got, err := key.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestEncryptProducesUniqueEnvelopes(t *testing.T) {
	key := newTestKey(t)

	a, err := key.Encrypt("same value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := key.Encrypt("same value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same value produced identical envelopes")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key := newTestKey(t)

	envelope, err := key.Encrypt("operator Dr. Chen")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(envelope)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = key.Decrypt(tampered)
	var decErr *DecryptionError
	if !errors.As(err, &decErr) {
		t.Fatalf("err = %v, want *DecryptionError", err)
	}
	if decErr.Reason != "authentication failed" {
		t.Errorf("reason = %q", decErr.Reason)
	}
}

func TestDecryptMalformedEnvelopes(t *testing.T) {
	key := newTestKey(t)

	cases := []struct {
		name  string
		input string
	}{
		{"not base64", "not//valid@@base64!!"},
		{"too short", base64.StdEncoding.EncodeToString([]byte{1})},
		{"unknown version", base64.StdEncoding.EncodeToString(append([]byte{9}, make([]byte, 40)...))},
		{"truncated nonce", base64.StdEncoding.EncodeToString([]byte{1, 0xAA, 0xBB})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := key.Decrypt(tc.input)
			var decErr *DecryptionError
			if !errors.As(err, &decErr) {
				t.Errorf("err = %v, want *DecryptionError", err)
			}
		})
	}
}

func TestKeyRotationPreservesOldEnvelopes(t *testing.T) {
	km := NewKeyManager()
	ring := km.CreateKeyRing(DefaultKeyRing)
	key, err := ring.CreateKey(DefaultKey, testMaterial(0x11))
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	old, err := key.Encrypt("pre-rotation value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if err := ring.RotateKey(DefaultKey, testMaterial(0x22)); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	// Old envelopes decrypt through their recorded version.
	got, err := key.Decrypt(old)
	if err != nil {
		t.Fatalf("Decrypt pre-rotation envelope: %v", err)
	}
	if got != "pre-rotation value" {
		t.Errorf("Decrypt = %q", got)
	}

	// New envelopes carry the new version byte.
	fresh, err := key.Encrypt("post-rotation value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(fresh)
	if raw[0] != 2 {
		t.Errorf("version byte = %d, want 2", raw[0])
	}
	if got, err := key.Decrypt(fresh); err != nil || got != "post-rotation value" {
		t.Errorf("Decrypt post-rotation = %q, %v", got, err)
	}
}

func TestRotateUnknownKey(t *testing.T) {
	ring := NewKeyManager().CreateKeyRing(DefaultKeyRing)
	if err := ring.RotateKey("missing", testMaterial(0x33)); err == nil {
		t.Error("expected error rotating a key that does not exist")
	}
}

func TestIdempotentProvisioning(t *testing.T) {
	km := NewKeyManager()

	ringA := km.CreateKeyRing(DefaultKeyRing)
	ringB := km.CreateKeyRing(DefaultKeyRing)
	if ringA != ringB {
		t.Error("CreateKeyRing returned a new ring for an existing name")
	}

	keyA, err := ringA.CreateKey(DefaultKey, testMaterial(0x11))
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	// Second creation ignores the new material and returns the existing key.
	keyB, err := ringA.CreateKey(DefaultKey, testMaterial(0x44))
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if keyA != keyB {
		t.Error("CreateKey returned a new key for an existing name")
	}

	envelope, err := keyA.Encrypt("stable")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got, err := keyB.Decrypt(envelope); err != nil || got != "stable" {
		t.Errorf("Decrypt via second handle = %q, %v", got, err)
	}
}

func TestCreateKeyBadMaterial(t *testing.T) {
	ring := NewKeyManager().CreateKeyRing(DefaultKeyRing)
	if _, err := ring.CreateKey("short", []byte("too short")); err == nil {
		t.Error("expected error for non 32-byte material")
	}
}

func TestResolveKey(t *testing.T) {
	km := NewKeyManager()
	ring := km.CreateKeyRing(DefaultKeyRing)
	if _, err := ring.CreateKey(DefaultKey, testMaterial(0x11)); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if _, err := km.ResolveKey(DefaultKeyRing, DefaultKey); err != nil {
		t.Errorf("ResolveKey: %v", err)
	}
	if _, err := km.ResolveKey("no-such-ring", DefaultKey); err == nil {
		t.Error("expected error for unknown ring")
	}
	if _, err := km.ResolveKey(DefaultKeyRing, "no-such-key"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestLooksEncrypted(t *testing.T) {
	key := newTestKey(t)

	envelope, err := key.Encrypt("Patient/PAT-123456")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !LooksEncrypted(envelope) {
		t.Errorf("LooksEncrypted(%q) = false for a real envelope", envelope)
	}

	for _, v := range []string{
		"",
		"Patient/PAT-123456",
		"short base64 ok==",
		strings.Repeat("not base64 at all!", 10),
	} {
		if LooksEncrypted(v) {
			t.Errorf("LooksEncrypted(%q) = true, want false", v)
		}
	}
}
