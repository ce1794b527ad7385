package cryptox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedtrace/seedtrace/internal/common"
)

func TestEncryptDecryptField_RoundTrip(t *testing.T) {
	key := common.GenerateRandByteArray(32)

	cases := []string{
		"PT-10442",
		"",
		"Dr. Müller / Станция 3",
		"serial\x00with\x00nulls",
		"日本語コメント with mixed content",
	}

	for _, plain := range cases {
		ciphertext, nonce, err := EncryptField(plain, key)
		require.NoError(t, err)
		require.Len(t, nonce, 12)

		res := DecryptField(ciphertext, nonce, key)
		assert.Equal(t, FieldDecrypted, res.State)
		assert.Equal(t, plain, res.Value)
	}
}

func TestEncryptField_FreshNoncePerValue(t *testing.T) {
	key := common.GenerateRandByteArray(32)

	c1, n1, err := EncryptField("same", key)
	require.NoError(t, err)
	c2, n2, err := EncryptField("same", key)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2, "nonce must be fresh per value")
	assert.NotEqual(t, c1, c2)
}

func TestDecryptField_MissingNonceIsPlaintextPassthrough(t *testing.T) {
	key := common.GenerateRandByteArray(32)

	res := DecryptField([]byte("legacy plain value"), nil, key)
	assert.Equal(t, FieldPlaintext, res.State)
	assert.Equal(t, "legacy plain value", res.Value)
}

func TestDecryptField_WrongKeyDegradesToFailed(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	other := common.GenerateRandByteArray(32)

	ciphertext, nonce, err := EncryptField("secret", key)
	require.NoError(t, err)

	res := DecryptField(ciphertext, nonce, other)
	assert.Equal(t, FieldFailed, res.State)
	assert.Equal(t, string(ciphertext), res.Value, "raw bytes passed through")
}

func TestEncryptField_BadKeyLength(t *testing.T) {
	_, _, err := EncryptField("x", []byte("short"))
	require.Error(t, err)
}
