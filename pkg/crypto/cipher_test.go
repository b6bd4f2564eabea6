package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T) string {
	t.Helper()
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)
	secret, err := DeriveSharedSecret(kp1.PrivateKey, kp2.PublicKey)
	require.NoError(t, err)
	return secret
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	secret := testSecret(t)
	plaintext := []byte(`{"classes":[{"id":"c1","name":"5b"}]}`)

	encrypted, err := EncryptForPeer(plaintext, secret)
	require.NoError(t, err)
	assert.NotContains(t, encrypted, string(plaintext))

	decrypted, err := DecryptFromPeer(encrypted, secret)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptForPeer_FreshIVPerCall(t *testing.T) {
	secret := testSecret(t)
	plaintext := []byte("same content")

	e1, err := EncryptForPeer(plaintext, secret)
	require.NoError(t, err)
	e2, err := EncryptForPeer(plaintext, secret)
	require.NoError(t, err)

	assert.NotEqual(t, e1, e2, "fresh IVs must make repeated encryptions differ")
}

func TestEncryptForPeer_WireFormat(t *testing.T) {
	secret := testSecret(t)

	encrypted, err := EncryptForPeer([]byte("x"), secret)
	require.NoError(t, err)

	parts := strings.SplitN(encrypted, ":", 2)
	require.Len(t, parts, 2, "format is base64(iv):base64(ciphertext)")
}

func TestEncryptForPeer_EmptyPlaintext(t *testing.T) {
	_, err := EncryptForPeer(nil, testSecret(t))
	assert.Error(t, err)
}

func TestDecryptFromPeer_WrongSecret(t *testing.T) {
	encrypted, err := EncryptForPeer([]byte("secret roster"), testSecret(t))
	require.NoError(t, err)

	decrypted, err := DecryptFromPeer(encrypted, testSecret(t))
	assert.ErrorIs(t, err, ErrUndecryptable)
	assert.Nil(t, decrypted, "wrong key must never return garbage plaintext")
}

func TestDecryptFromPeer_MalformedInput(t *testing.T) {
	secret := testSecret(t)

	cases := []string{
		"",
		"no-delimiter",
		"!!!:also-not-base64",
		"YWJj:YWJj", // wrong IV length, ciphertext not block aligned
	}
	for _, input := range cases {
		decrypted, err := DecryptFromPeer(input, secret)
		assert.ErrorIs(t, err, ErrUndecryptable, "input %q", input)
		assert.Nil(t, decrypted)
	}
}

func TestDecryptFromPeer_InvalidSecret(t *testing.T) {
	_, err := DecryptFromPeer("YWJj:YWJj", "not-hex")
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestDecryptFromPeer_TamperedCiphertext(t *testing.T) {
	secret := testSecret(t)
	encrypted, err := EncryptForPeer([]byte("payload payload payload"), secret)
	require.NoError(t, err)

	// Flip a character inside the ciphertext part.
	idx := strings.Index(encrypted, ":") + 2
	tampered := []byte(encrypted)
	if tampered[idx] == 'A' {
		tampered[idx] = 'B'
	} else {
		tampered[idx] = 'A'
	}

	decrypted, err := DecryptFromPeer(string(tampered), secret)
	if err == nil {
		// CBC without authentication can produce valid padding by chance;
		// the decrypted bytes still must not match the original.
		assert.NotEqual(t, []byte("payload payload payload"), decrypted)
	} else {
		assert.ErrorIs(t, err, ErrUndecryptable)
	}
}
