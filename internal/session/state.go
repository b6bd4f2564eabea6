package session

import "github.com/classpair/classpair/internal/protocol"

// State is the session state machine position. Idle is the restartable
// terminal; Error is reachable from any active state.
type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateConnecting  State = "connecting"
	StatePairing     State = "pairing"
	StateConnected   State = "connected"
	StateSyncing     State = "syncing"
	StateError       State = "error"
)

// Role says which side of the connection this device is.
type Role string

const (
	RoleNone   Role = ""
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// PeerInfo identifies the currently connected peer.
type PeerInfo struct {
	DeviceID   string
	DeviceName string
}

// FirstSyncState tracks the one-time bootstrap negotiation for a freshly
// paired device.
type FirstSyncState struct {
	// IsFirstSync is set while a bootstrap exchange is in flight.
	IsFirstSync bool

	// PendingRequest is set on the initiator after sending
	// first_sync_request, until the peer's answer arrives.
	PendingRequest bool

	// AwaitingChoice is set on the peer while the user decides which
	// dataset is authoritative. There is no timeout; only a disconnect
	// clears a stuck choice.
	AwaitingChoice bool

	// SelectedChoice records the user's decision once made.
	SelectedChoice protocol.FirstSyncChoice

	// RemoteStats are the initiator's dataset counts shown to the user.
	RemoteStats protocol.DataStats
}

// Status is a point-in-time snapshot of the session, safe to hand to UI
// code.
type Status struct {
	State             State
	Role              Role
	Peer              *PeerInfo
	FirstSync         FirstSyncState
	LastSyncTimestamp int64
	Err               error
}
