package hipaa

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// DecryptionFailedSentinel is surfaced in place of a field value when a
// stored ciphertext cannot be decrypted on the read path. Bulk listings
// degrade per record instead of failing wholesale.
const DecryptionFailedSentinel = "decryption failed"

// EncryptionService provides field-level PHI encryption for the application.
// It wraps the key manager's patient-data key and adds a disabled mode for
// development environments where no encryption key is configured.
type EncryptionService struct {
	key     *Key
	enabled bool
}

// NewEncryptionService creates a new encryption service.
//
// If keyHex is empty, encryption is disabled (development mode) and a
// warning is logged. All Encrypt/Decrypt calls become no-ops that return the
// value as-is.
//
// If keyHex is non-empty, it must be a valid 64-character hex string
// encoding a 32-byte AES-256 key. The default key ring and patient-data key
// are provisioned idempotently.
func NewEncryptionService(keyHex string, logger zerolog.Logger) (*EncryptionService, error) {
	if keyHex == "" {
		logger.Warn().Msg("PHI encryption disabled: PHI_ENCRYPTION_KEY is not set")
		return &EncryptionService{enabled: false}, nil
	}

	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	km := NewKeyManager()
	ring := km.CreateKeyRing(DefaultKeyRing)
	key, err := ring.CreateKey(DefaultKey, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("provision patient data key: %w", err)
	}

	logger.Info().
		Str("key_ring", DefaultKeyRing).
		Str("key", DefaultKey).
		Msg("PHI field-level encryption enabled")
	return &EncryptionService{key: key, enabled: true}, nil
}

// IsEnabled returns true if encryption is active.
func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}

// EncryptField encrypts a single PHI field value. Returns the original value
// unchanged if encryption is disabled.
func (s *EncryptionService) EncryptField(value string) (string, error) {
	if !s.enabled {
		return value, nil
	}
	return s.key.Encrypt(value)
}

// DecryptField decrypts a single PHI field value. Returns the original value
// unchanged if encryption is disabled.
func (s *EncryptionService) DecryptField(value string) (string, error) {
	if !s.enabled {
		return value, nil
	}
	return s.key.Decrypt(value)
}

// DecryptForDisplay reverses field encryption heuristically for read paths:
// values that do not look encrypted pass through unchanged, and decryption
// failures degrade to the sentinel rather than an error so that bulk
// listings stay available per record.
func (s *EncryptionService) DecryptForDisplay(value string) string {
	if !s.enabled || !LooksEncrypted(value) {
		return value
	}
	plaintext, err := s.key.Decrypt(value)
	if err != nil {
		return DecryptionFailedSentinel
	}
	return plaintext
}
