package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// DeriveKey derives the 32-byte payload key for an identity. The
// derivation is deterministic: the issuing tool and the deployed binary
// must arrive at the same key from the identity alone, so the salt and
// cost parameters are fixed constants. Callers own the returned slice
// and must zero it as soon as the decrypt call returns.
func DeriveKey(identity string) ([]byte, error) {
	if identity == "" {
		return nil, fmt.Errorf("derive key: empty identity")
	}
	key, err := scrypt.Key([]byte(identity), []byte(derivationSalt), scryptN, scryptR, scryptP, derivedKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// DecryptRuleSet opens an encrypted payload laid out as
// nonce(12) || AES-256-GCM ciphertext. Authentication failure, a
// truncated blob, or plaintext that does not deserialize into a valid
// rule set all return ErrDecryptionFailed; there is no partial result.
// The decrypted plaintext buffer is zeroed before returning.
func DecryptRuleSet(blob, key []byte) (*RuleSet, error) {
	if len(blob) < NonceSize {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptionFailed)
	}
	if len(key) != derivedKeyLen {
		return nil, fmt.Errorf("%w: bad key length", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonce, ciphertext := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer zeroBytes(plaintext)

	rs, err := parseRuleSet(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return rs, nil
}

// EncryptRuleSet seals a rule set into the nonce || ciphertext layout.
// This is the issuing side of DecryptRuleSet, used by the payload build
// tool and by tests.
func EncryptRuleSet(rs *RuleSet, key []byte) ([]byte, error) {
	if rs == nil {
		return nil, fmt.Errorf("encrypt rule set: nil rule set")
	}
	if err := rs.validate(); err != nil {
		return nil, fmt.Errorf("encrypt rule set: %w", err)
	}

	plaintext, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encrypt rule set: %w", err)
	}
	defer zeroBytes(plaintext)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt rule set: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encrypt rule set: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("encrypt rule set: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// zeroBytes overwrites a buffer with multiple passes so key material and
// decrypted plaintext do not linger in memory.
func zeroBytes(b []byte) {
	for pass := 0; pass < 3; pass++ {
		for i := range b {
			b[i] = 0
		}
	}
}
