package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair_Shape(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.Len(t, kp.PrivateKey, PrivateKeyLength*2, "private key should be 32 bytes hex encoded")
	assert.Len(t, kp.PublicKey, 64, "public key should be a SHA-256 hex digest")
}

func TestGenerateKeyPair_PublicKeyIsDigestOfPrivate(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	digest := sha256.Sum256([]byte(kp.PrivateKey))
	assert.Equal(t, hex.EncodeToString(digest[:]), kp.PublicKey)
}

func TestGenerateKeyPair_Uniqueness(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, kp1.PrivateKey, kp2.PrivateKey)
	assert.NotEqual(t, kp1.PublicKey, kp2.PublicKey)
}

func TestDeriveSharedSecret_Deterministic(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	s1, err := DeriveSharedSecret(kp1.PrivateKey, kp2.PublicKey)
	require.NoError(t, err)
	s2, err := DeriveSharedSecret(kp1.PrivateKey, kp2.PublicKey)
	require.NoError(t, err)

	assert.Equal(t, s1, s2, "same inputs must derive the same secret")
	assert.Len(t, s1, SharedSecretLength*2, "secret should be 32 bytes hex encoded")
}

func TestDeriveSharedSecret_NotMirrored(t *testing.T) {
	// The scheme is not a real key exchange: swapping which side derives
	// produces a different value. Documented wire-compatibility behavior.
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	s1, err := DeriveSharedSecret(kp1.PrivateKey, kp2.PublicKey)
	require.NoError(t, err)
	s2, err := DeriveSharedSecret(kp2.PrivateKey, kp1.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, s1, s2)
}

func TestDeriveSharedSecret_EmptyInputs(t *testing.T) {
	_, err := DeriveSharedSecret("", "pub")
	assert.Error(t, err)

	_, err = DeriveSharedSecret("priv", "")
	assert.Error(t, err)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	SecureWipe(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}
