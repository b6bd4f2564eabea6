package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	key := "device-private-key"
	content := "msg-id:sync_request:cp_abc:2026-08-28T10:00:00Z:{}"

	sig := SignMessage(content, key)
	assert.Len(t, sig, 64, "HMAC-SHA256 hex digest")
	assert.True(t, VerifySignature(content, sig, key))
}

func TestVerifySignature_WrongKey(t *testing.T) {
	content := "some signed content"
	sig := SignMessage(content, "key-a")

	assert.False(t, VerifySignature(content, sig, "key-b"))
}

func TestVerifySignature_TamperedContent(t *testing.T) {
	sig := SignMessage("original", "key")

	assert.False(t, VerifySignature("modified", sig, "key"))
	assert.False(t, VerifySignature("original", sig[:len(sig)-1]+"0", "key"))
}

func TestSignMessage_Deterministic(t *testing.T) {
	assert.Equal(t, SignMessage("content", "key"), SignMessage("content", "key"))
	assert.NotEqual(t, SignMessage("content", "key"), SignMessage("content", "other"))
}

func TestChecksum(t *testing.T) {
	sum := Checksum([]byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
	assert.Equal(t, sum, Checksum([]byte("hello")))
}

func TestTruncatedChecksum(t *testing.T) {
	full := Checksum([]byte("payload"))
	short := TruncatedChecksum([]byte("payload"), 16)

	require.Len(t, short, 16)
	assert.Equal(t, full[:16], short)
}

func TestComputeDataHash_Deterministic(t *testing.T) {
	type snapshot struct {
		Classes []string `json:"classes"`
	}
	h1, err := ComputeDataHash(snapshot{Classes: []string{"5b"}})
	require.NoError(t, err)
	h2, err := ComputeDataHash(snapshot{Classes: []string{"5b"}})
	require.NoError(t, err)
	h3, err := ComputeDataHash(snapshot{Classes: []string{"6a"}})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}
