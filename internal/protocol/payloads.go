package protocol

import "github.com/classpair/classpair/internal/vclock"

// DataStats carries dataset counts only, never content. Exchanged during the
// first-sync bootstrap so the user can choose which side is authoritative.
type DataStats struct {
	Classes        int `json:"classes"`
	Students       int `json:"students"`
	Participations int `json:"participations"`
}

// PairRequestPayload is sent by the joining device after the transport opens.
// It carries both the ephemeral session key and the device's permanent key.
type PairRequestPayload struct {
	SessionID          string `json:"sessionId"`
	DeviceID           string `json:"deviceId"`
	DeviceName         string `json:"deviceName"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
	PublicKey          string `json:"publicKey"`
	AppVersion         string `json:"appVersion"`
}

// PairAcceptPayload confirms pairing and returns the host's permanent key so
// the client can derive the long-term shared secret.
type PairAcceptPayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	PublicKey  string `json:"publicKey"`
}

// PairRejectPayload tells the joining device the host declined.
type PairRejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SyncRequestPayload asks the peer to send its current dataset snapshot.
type SyncRequestPayload struct {
	RequestedAt int64 `json:"requestedAt"`
}

// SyncPacket carries one full encrypted dataset snapshot. DataHash is the
// integrity digest of the plaintext snapshot; receivers drop packets whose
// decrypted content does not hash back to it.
type SyncPacket struct {
	Version       int          `json:"version"`
	DeviceID      string       `json:"deviceId"`
	Timestamp     int64        `json:"timestamp"`
	DataHash      string       `json:"dataHash"`
	EncryptedData string       `json:"encryptedData"`
	VectorClock   vclock.Clock `json:"vectorClock"`
}

// SyncPacketVersion is the current SyncPacket wire version.
const SyncPacketVersion = 1

// SyncAckPayload confirms a sync packet was applied.
type SyncAckPayload struct {
	Success     bool         `json:"success"`
	VectorClock vclock.Clock `json:"vectorClock,omitempty"`
}

// FirstSyncRequestPayload opens the first-sync bootstrap with the initiator's
// dataset statistics.
type FirstSyncRequestPayload struct {
	Stats DataStats `json:"stats"`
}

// FirstSyncChoice is the user decision during first-sync bootstrap.
type FirstSyncChoice string

const (
	// ChoiceLocal keeps the chooser's own data as authoritative.
	ChoiceLocal FirstSyncChoice = "local"
	// ChoiceRemote adopts the initiator's data.
	ChoiceRemote FirstSyncChoice = "remote"
)

// FirstSyncChoicePayload communicates the peer's bootstrap decision.
type FirstSyncChoicePayload struct {
	Choice FirstSyncChoice `json:"choice"`
}

// FirstSyncDataPayload carries a snapshot during bootstrap. IsFullReplace
// makes the receiver apply it as an unconditional replacement, not a merge.
type FirstSyncDataPayload struct {
	Packet        SyncPacket `json:"packet"`
	IsFullReplace bool       `json:"isFullReplace"`
}

// FirstSyncAckPayload confirms the bootstrap snapshot was applied.
type FirstSyncAckPayload struct {
	Success bool `json:"success"`
}

// HeartbeatPayload keeps the transport alive; receivers ignore it.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// DisconnectPayload announces an orderly teardown.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}
