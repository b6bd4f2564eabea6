package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	payload := SyncRequestPayload{RequestedAt: 1756375200}

	m, err := NewMessage(TypeSyncRequest, "cp_a", payload, "privkey")
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, TypeSyncRequest, m.Type)
	assert.Equal(t, "cp_a", m.SenderID)
	assert.NotEmpty(t, m.Timestamp)
	assert.NotEmpty(t, m.Signature)

	var decoded SyncRequestPayload
	require.NoError(t, m.DecodePayload(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestNewMessage_RequiresSender(t *testing.T) {
	_, err := NewMessage(TypeHeartbeat, "", HeartbeatPayload{}, "key")
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	m, err := NewMessage(TypeHeartbeat, "cp_a", HeartbeatPayload{}, "key-a")
	require.NoError(t, err)

	assert.True(t, m.Verify("key-a"))
	assert.False(t, m.Verify("key-b"))

	m.Payload = `{"tampered":true}`
	assert.False(t, m.Verify("key-a"))
}

func TestEncodeParse_RoundTrip(t *testing.T) {
	m, err := NewMessage(TypeDisconnect, "cp_a", DisconnectPayload{Reason: "user"}, "key")
	require.NoError(t, err)

	raw, err := m.Encode()
	require.NoError(t, err)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
	assert.True(t, parsed.Verify("key"))
}

func TestParse_Malformed(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{}`),
		[]byte(`{"id":"x","type":"heartbeat"}`),                 // no sender
		[]byte(`{"id":"x","senderId":"cp_a"}`),                  // no type
		[]byte(`{"type":"heartbeat","senderId":"cp_a"}`),        // no id
		[]byte(`{"id":1,"type":"heartbeat","senderId":"cp_a"}`), // wrong field type
	}
	for _, raw := range cases {
		m, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformed, "input %q", raw)
		assert.Nil(t, m)
	}
}

func TestParse_UnknownTypeIsNotMalformed(t *testing.T) {
	// Unknown types pass Parse; dropping them is the receiver's decision.
	raw := []byte(`{"id":"x","type":"future_thing","senderId":"cp_a"}`)

	m, err := Parse(raw)
	require.NoError(t, err)
	assert.False(t, KnownType(m.Type))
}

func TestKnownType(t *testing.T) {
	for _, mt := range []MessageType{
		TypePairRequest, TypePairAccept, TypePairReject,
		TypeSyncRequest, TypeSyncData, TypeSyncAck,
		TypeFirstSyncRequest, TypeFirstSyncChoice, TypeFirstSyncData, TypeFirstSyncAck,
		TypeHeartbeat, TypeDisconnect,
	} {
		assert.True(t, KnownType(mt), "%s", mt)
	}
	assert.False(t, KnownType("pair_request2"))
}

func TestDecodePayload_BadPayload(t *testing.T) {
	m := &Message{Type: TypeSyncData, Payload: "not json"}

	var p SyncPacket
	assert.Error(t, m.DecodePayload(&p))
}

func TestSigningInput_Canonical(t *testing.T) {
	m := &Message{
		ID:        "id1",
		Type:      TypeSyncAck,
		SenderID:  "cp_a",
		Timestamp: "2026-08-28T10:00:00Z",
		Payload:   `{"received":true}`,
	}

	assert.Equal(t, `id1:sync_ack:cp_a:2026-08-28T10:00:00Z:{"received":true}`, m.SigningInput())
}
