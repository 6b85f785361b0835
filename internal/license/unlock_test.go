package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDeriveKey tests identity-bound key derivation
func TestDeriveKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		key1, err := DeriveKey("cust-1")
		require.NoError(t, err)
		key2, err := DeriveKey("cust-1")
		require.NoError(t, err)

		assert.Equal(t, key1, key2)
		assert.Len(t, key1, 32)
	})

	t.Run("identities derive distinct keys", func(t *testing.T) {
		key1, err := DeriveKey("cust-1")
		require.NoError(t, err)
		key2, err := DeriveKey("cust-2")
		require.NoError(t, err)

		assert.NotEqual(t, key1, key2)
	})

	t.Run("empty identity rejected", func(t *testing.T) {
		_, err := DeriveKey("")
		assert.Error(t, err)
	})
}

// TestEncryptDecryptRoundTrip tests the payload seal and unlock cycle
func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := DeriveKey("cust-1")
	require.NoError(t, err)

	blob, err := EncryptRuleSet(testRuleSet(), key)
	require.NoError(t, err)
	require.Greater(t, len(blob), NonceSize)

	rs, err := DecryptRuleSet(blob, key)
	require.NoError(t, err)

	assert.Equal(t, testRuleSet().ModulePatterns, rs.ModulePatterns)
	assert.Equal(t, testRuleSet().Prompts["summary"], rs.Prompts["summary"])
	assert.Equal(t, testRuleSet().Thresholds, rs.Thresholds)
}

// TestDecryptRuleSetFailures tests that every corruption fails closed
// with no partial result
func TestDecryptRuleSetFailures(t *testing.T) {
	key, err := DeriveKey("cust-1")
	require.NoError(t, err)
	blob, err := EncryptRuleSet(testRuleSet(), key)
	require.NoError(t, err)

	otherKey, err := DeriveKey("cust-2")
	require.NoError(t, err)

	tests := []struct {
		name string
		blob []byte
		key  []byte
	}{
		{
			name: "key for a different identity",
			blob: blob,
			key:  otherKey,
		},
		{
			name: "tampered ciphertext",
			blob: flipByte(blob, len(blob)-1),
			key:  key,
		},
		{
			name: "tampered nonce",
			blob: flipByte(blob, 0),
			key:  key,
		},
		{
			name: "truncated below nonce size",
			blob: blob[:NonceSize-4],
			key:  key,
		},
		{
			name: "truncated ciphertext",
			blob: blob[:NonceSize+4],
			key:  key,
		},
		{
			name: "empty blob",
			blob: nil,
			key:  key,
		},
		{
			name: "wrong key length",
			blob: blob,
			key:  key[:16],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := DecryptRuleSet(tt.blob, tt.key)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
			assert.Nil(t, rs, "no partial rule set on failure")
		})
	}
}

// sealRaw encrypts arbitrary plaintext in the payload layout, bypassing
// the seal-side validation EncryptRuleSet performs.
func sealRaw(t *testing.T, plaintext, key []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := make([]byte, NonceSize)
	_, err = io.ReadFull(rand.Reader, nonce)
	require.NoError(t, err)

	return gcm.Seal(nonce, nonce, plaintext, nil)
}

// TestDecryptRejectsInvalidPlaintext tests that a blob that
// authenticates but does not hold a valid rule set still fails closed
func TestDecryptRejectsInvalidPlaintext(t *testing.T) {
	key, err := DeriveKey("cust-1")
	require.NoError(t, err)

	t.Run("plaintext is not JSON", func(t *testing.T) {
		blob := sealRaw(t, []byte("not a rule set"), key)

		rs, err := DecryptRuleSet(blob, key)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.Nil(t, rs)
	})

	t.Run("threshold out of range", func(t *testing.T) {
		blob := sealRaw(t, []byte(`{"confidence_thresholds":{"module":7.0}}`), key)

		rs, err := DecryptRuleSet(blob, key)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecryptionFailed)
		assert.Nil(t, rs)
	})
}

// TestEncryptRejectsInvalidRuleSet tests seal-side threshold validation
func TestEncryptRejectsInvalidRuleSet(t *testing.T) {
	key, err := DeriveKey("cust-1")
	require.NoError(t, err)

	bad := testRuleSet()
	bad.Thresholds["module"] = 7.0

	_, err = EncryptRuleSet(bad, key)
	assert.Error(t, err)
}

// TestEncryptRuleSetValidation tests seal-side input checking
func TestEncryptRuleSetValidation(t *testing.T) {
	key, err := DeriveKey("cust-1")
	require.NoError(t, err)

	t.Run("nil rule set", func(t *testing.T) {
		_, err := EncryptRuleSet(nil, key)
		assert.Error(t, err)
	})

	t.Run("nonce varies between seals", func(t *testing.T) {
		blob1, err := EncryptRuleSet(testRuleSet(), key)
		require.NoError(t, err)
		blob2, err := EncryptRuleSet(testRuleSet(), key)
		require.NoError(t, err)

		assert.NotEqual(t, blob1[:NonceSize], blob2[:NonceSize])
	})
}

// TestZeroBytes tests buffer scrubbing
func TestZeroBytes(t *testing.T) {
	buf := []byte{0xde, 0xad, 0xbe, 0xef}
	zeroBytes(buf)

	for i, b := range buf {
		assert.Zero(t, b, "byte %d not scrubbed", i)
	}
}

// flipByte returns a copy of b with the byte at index i inverted.
func flipByte(b []byte, i int) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	out[i] ^= 0xff
	return out
}
