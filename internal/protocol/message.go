// Package protocol defines the signed message envelope and the typed
// payloads exchanged between paired devices.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classpair/classpair/pkg/crypto"
)

// MessageType identifies the semantic of a wire message. The set is closed;
// receivers silently ignore types they do not know.
type MessageType string

const (
	TypePairRequest      MessageType = "pair_request"
	TypePairAccept       MessageType = "pair_accept"
	TypePairReject       MessageType = "pair_reject"
	TypeSyncRequest      MessageType = "sync_request"
	TypeSyncData         MessageType = "sync_data"
	TypeSyncAck          MessageType = "sync_ack"
	TypeFirstSyncRequest MessageType = "first_sync_request"
	TypeFirstSyncChoice  MessageType = "first_sync_choice"
	TypeFirstSyncData    MessageType = "first_sync_data"
	TypeFirstSyncAck     MessageType = "first_sync_ack"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeDisconnect       MessageType = "disconnect"
)

var knownTypes = map[MessageType]bool{
	TypePairRequest:      true,
	TypePairAccept:       true,
	TypePairReject:       true,
	TypeSyncRequest:      true,
	TypeSyncData:         true,
	TypeSyncAck:          true,
	TypeFirstSyncRequest: true,
	TypeFirstSyncChoice:  true,
	TypeFirstSyncData:    true,
	TypeFirstSyncAck:     true,
	TypeHeartbeat:        true,
	TypeDisconnect:       true,
}

// KnownType reports whether t belongs to the closed message-type set.
func KnownType(t MessageType) bool {
	return knownTypes[t]
}

// ErrMalformed is returned by Parse for any frame that is not a well-formed
// message envelope.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope for every protocol exchange. The signature is an
// HMAC over the canonical concatenation of the other fields, keyed by the
// sender's private key.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	Timestamp string      `json:"timestamp"`
	Payload   string      `json:"payload"`
	Signature string      `json:"signature"`
}

// NewMessage builds a signed envelope around payload. The payload is JSON
// serialized; the signature covers id, type, sender, timestamp and payload in
// a fixed order.
func NewMessage(msgType MessageType, senderID string, payload interface{}, privateKey string) (*Message, error) {
	if senderID == "" {
		return nil, fmt.Errorf("sender id cannot be empty")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	m := &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		SenderID:  senderID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   string(encoded),
	}
	m.Signature = crypto.SignMessage(m.SigningInput(), privateKey)

	return m, nil
}

// Parse decodes a raw frame into a Message. It returns ErrMalformed instead
// of propagating decode details; it never panics.
func Parse(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, ErrMalformed
	}
	if m.ID == "" || m.Type == "" || m.SenderID == "" {
		return nil, ErrMalformed
	}
	return &m, nil
}

// SigningInput returns the canonical string the signature is computed over.
func (m *Message) SigningInput() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", m.ID, m.Type, m.SenderID, m.Timestamp, m.Payload)
}

// Verify checks the envelope signature. Verification requires the signer's
// private key (see pkg/crypto.SignMessage).
func (m *Message) Verify(privateKey string) bool {
	return crypto.VerifySignature(m.SigningInput(), m.Signature, privateKey)
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if err := json.Unmarshal([]byte(m.Payload), v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the transport.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}
