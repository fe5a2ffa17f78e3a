package corecrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcryptHasher_HashAndVerify(t *testing.T) {
	h := NewBcryptHasher(4) // low cost for fast tests
	hash, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse battery staple", hash)
	assert.True(t, h.Verify("correct horse battery staple", hash))
	assert.False(t, h.Verify("wrong password", hash))
}

func TestBcryptHasher_HashOneWayIsDeterministic(t *testing.T) {
	h := NewBcryptHasher(4)
	a := h.HashOneWay("some-refresh-token")
	b := h.HashOneWay("some-refresh-token")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, h.HashOneWay("a-different-token"))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc123", "abc123"))
	assert.False(t, ConstantTimeEqual("abc123", "abc124"))
	assert.False(t, ConstantTimeEqual("short", "longer-string"))
}

func TestSecretBox_EncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := NewSecretBox(key)
	require.NoError(t, err)

	plaintext := []byte("totp-secret-material")
	ciphertext, err := box.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, string(plaintext), ciphertext)

	decrypted, err := box.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestSecretBox_RejectsShortKey(t *testing.T) {
	_, err := NewSecretBox([]byte("too-short"))
	assert.Error(t, err)
}

func TestSecretBox_DecryptRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	box, err := NewSecretBox(key)
	require.NoError(t, err)

	ciphertext, err := box.Encrypt([]byte("payload"))
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-2] + "zz"
	_, err = box.Decrypt(tampered)
	assert.Error(t, err)
}
