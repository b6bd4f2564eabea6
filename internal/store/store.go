// Package store persists the sync core's durable records: the device
// identity/settings blob, the paired-device registry and the vector clock.
// Each record is a JSON value under a fixed string key, so any key-value
// backend can serve; the reference implementation is SQLite.
package store

import (
	"github.com/classpair/classpair/internal/vclock"
)

// Fixed record keys.
const (
	KeySettings      = "settings"
	KeyPairedDevices = "paired_devices"
	KeyVectorClock   = "vector_clock"
)

// DeviceIdentity is the per-installation settings blob. Created once on
// first use and mutated only by explicit settings updates or a full reset.
type DeviceIdentity struct {
	DeviceID           string `json:"deviceId"`
	DeviceName         string `json:"deviceName"`
	PrivateKey         string `json:"privateKey"`
	PublicKey          string `json:"publicKey"`
	ConflictResolution string `json:"conflictResolution"`
	DiscoveryPort      int    `json:"discoveryPort"`
}

// PairedDevice is a remembered peer. The shared secret is derived locally
// from key material and is never transmitted. One entry per peer id;
// re-pairing overwrites.
type PairedDevice struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	PublicKey    string `json:"publicKey"`
	SharedSecret string `json:"sharedSecret"`
	PairedAt     int64  `json:"pairedAt"`
	LastSyncAt   *int64 `json:"lastSyncAt"`
}

// Store is the persistence contract the session layer depends on. Writes
// complete before the caller's in-memory cache is considered authoritative
// again; there is no transactional guarantee beyond that.
type Store interface {
	// GetIdentity returns the stored identity, or (nil, nil) when none
	// exists yet.
	GetIdentity() (*DeviceIdentity, error)
	SaveIdentity(identity *DeviceIdentity) error

	ListPairedDevices() ([]PairedDevice, error)
	// SavePairedDevice inserts or overwrites the entry with the same id.
	SavePairedDevice(device PairedDevice) error
	RemovePairedDevice(id string) error
	// UpdateLastSync stamps the peer's last completed sync time.
	UpdateLastSync(id string, timestamp int64) error

	GetVectorClock() (vclock.Clock, error)
	SaveVectorClock(clock vclock.Clock) error

	Close() error
}
