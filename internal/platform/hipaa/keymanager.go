package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
)

// Default key ring and key identifiers for patient data. Mirrors the
// provisioning names used by the upstream KMS deployment.
const (
	DefaultKeyRing = "healthcare-audio-keyring"
	DefaultKey     = "patient-data-key"
)

// DecryptionError reports a failed decryption: malformed envelope, unknown
// key version, or tampered ciphertext. Callers on the read path degrade to a
// sentinel value; callers on the write path treat it as fatal.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decryption failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decryption failed: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Key is a named symmetric key with one or more AES-256-GCM versions.
// Encrypt always uses the newest version; Decrypt resolves the version from
// the envelope so ciphertexts survive rotation.
type Key struct {
	name string

	mu       sync.RWMutex
	versions []cipher.AEAD // index i holds version i+1
}

// newAEAD builds an AES-256-GCM AEAD from a 32-byte key.
func newAEAD(material []byte) (cipher.AEAD, error) {
	if len(material) != 32 {
		return nil, fmt.Errorf("key material must be 32 bytes, got %d", len(material))
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt encrypts plaintext under the newest key version and returns a
// base64-encoded envelope: version byte, then nonce, then sealed ciphertext.
func (k *Key) Encrypt(plaintext string) (string, error) {
	k.mu.RLock()
	version := len(k.versions)
	aead := k.versions[version-1]
	k.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt %s: generate nonce: %w", k.name, err)
	}

	envelope := make([]byte, 1, 1+len(nonce)+len(plaintext)+aead.Overhead())
	envelope[0] = byte(version)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt decodes the envelope, resolves the key version, and decrypts.
// Any malformed or tampered input yields a *DecryptionError; corrupted
// plaintext is never returned.
func (k *Key) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64 envelope", Err: err}
	}
	if len(data) < 2 {
		return "", &DecryptionError{Reason: "envelope too short"}
	}

	version := int(data[0])
	k.mu.RLock()
	if version < 1 || version > len(k.versions) {
		k.mu.RUnlock()
		return "", &DecryptionError{Reason: fmt.Sprintf("unknown key version %d", version)}
	}
	aead := k.versions[version-1]
	k.mu.RUnlock()

	rest := data[1:]
	nonceSize := aead.NonceSize()
	if len(rest) < nonceSize {
		return "", &DecryptionError{Reason: "ciphertext shorter than nonce"}
	}

	nonce, sealed := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}

// KeyRing holds named keys. Creation is idempotent.
type KeyRing struct {
	name string

	mu   sync.RWMutex
	keys map[string]*Key
}

// CreateKey adds a key with the given 32-byte material. Creating a key that
// already exists is a no-op returning the existing key, matching the
// idempotent provisioning semantics of cloud KMS.
func (r *KeyRing) CreateKey(name string, material []byte) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if k, ok := r.keys[name]; ok {
		return k, nil
	}

	aead, err := newAEAD(material)
	if err != nil {
		return nil, fmt.Errorf("create key %s/%s: %w", r.name, name, err)
	}
	k := &Key{name: name, versions: []cipher.AEAD{aead}}
	r.keys[name] = k
	return k, nil
}

// Key returns the named key, or an error if it does not exist.
func (r *KeyRing) Key(name string) (*Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[name]
	if !ok {
		return nil, fmt.Errorf("key %s not found in ring %s", name, r.name)
	}
	return k, nil
}

// RotateKey appends a new version to an existing key. Previously encrypted
// envelopes remain decryptable through their version byte.
func (r *KeyRing) RotateKey(name string, material []byte) error {
	r.mu.RLock()
	k, ok := r.keys[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rotate key %s/%s: key not found", r.name, name)
	}

	aead, err := newAEAD(material)
	if err != nil {
		return fmt.Errorf("rotate key %s/%s: %w", r.name, name, err)
	}

	k.mu.Lock()
	if len(k.versions) >= 255 {
		k.mu.Unlock()
		return fmt.Errorf("rotate key %s/%s: version limit reached", r.name, name)
	}
	k.versions = append(k.versions, aead)
	k.mu.Unlock()
	return nil
}

// KeyManager owns the key rings and resolves a ring/key identifier pair to a
// usable symmetric key.
type KeyManager struct {
	mu    sync.RWMutex
	rings map[string]*KeyRing
}

// NewKeyManager creates an empty KeyManager.
func NewKeyManager() *KeyManager {
	return &KeyManager{rings: make(map[string]*KeyRing)}
}

// CreateKeyRing creates the named ring, or returns the existing one.
func (m *KeyManager) CreateKeyRing(name string) *KeyRing {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rings[name]; ok {
		return r
	}
	r := &KeyRing{name: name, keys: make(map[string]*Key)}
	m.rings[name] = r
	return r
}

// ResolveKey returns the key identified by the ring/key pair.
func (m *KeyManager) ResolveKey(ring, key string) (*Key, error) {
	m.mu.RLock()
	r, ok := m.rings[ring]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key ring %s not found", ring)
	}
	return r.Key(key)
}

// encryptedLengthThreshold is the documented heuristic for distinguishing
// ciphertext from plaintext on legacy read paths. It is an approximation,
// not a cryptographic guarantee: the smallest envelope this key manager
// produces (1 version byte + 12 nonce + 16 tag + 1 plaintext byte) encodes
// to 40 base64 characters, so real ciphertexts of any interesting field
// comfortably exceed 50.
const encryptedLengthThreshold = 50

// LooksEncrypted reports whether value is plausibly a ciphertext envelope:
// longer than the threshold and valid base64.
func LooksEncrypted(value string) bool {
	if len(value) <= encryptedLengthThreshold {
		return false
	}
	_, err := base64.StdEncoding.DecodeString(value)
	return err == nil
}
