// Package device bootstraps and maintains this installation's identity.
package device

import (
	"crypto/rand"
	"fmt"

	"github.com/classpair/classpair/internal/config"
	"github.com/classpair/classpair/internal/logger"
	"github.com/classpair/classpair/internal/store"
	"github.com/classpair/classpair/pkg/crypto"
)

// Manager handles device identification and the permanent keypair.
type Manager struct {
	config *config.Config
	store  store.Store
	logger *logger.Logger
}

// NewManager creates a device manager backed by the given store.
func NewManager(cfg *config.Config, st store.Store) *Manager {
	return &Manager{
		config: cfg,
		store:  st,
		logger: logger.GetLogger().WithComponent("device"),
	}
}

// EnsureIdentity loads the stored identity or creates and persists a new one
// on first use. The keypair is generated exactly once per installation.
func (m *Manager) EnsureIdentity() (*store.DeviceIdentity, error) {
	identity, err := m.store.GetIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity != nil {
		return identity, nil
	}

	deviceID, err := generateDeviceID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device id: %w", err)
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device keypair: %w", err)
	}

	identity = &store.DeviceIdentity{
		DeviceID:           deviceID,
		DeviceName:         m.config.Device.Name,
		PrivateKey:         keyPair.PrivateKey,
		PublicKey:          keyPair.PublicKey,
		ConflictResolution: m.config.Device.ConflictResolution,
		DiscoveryPort:      m.config.Device.DiscoveryPort,
	}

	if err := m.store.SaveIdentity(identity); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	m.logger.Info().
		Str("device_id", deviceID).
		Str("device_name", identity.DeviceName).
		Msg("Created new device identity")
	return identity, nil
}

// UpdateSettings applies mutable settings changes and persists the identity.
// The keypair and device id are never changed here.
func (m *Manager) UpdateSettings(deviceName, conflictResolution string, discoveryPort int) (*store.DeviceIdentity, error) {
	identity, err := m.store.GetIdentity()
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("no identity exists yet")
	}

	if deviceName != "" {
		identity.DeviceName = deviceName
	}
	if conflictResolution != "" {
		identity.ConflictResolution = conflictResolution
	}
	if discoveryPort != 0 {
		identity.DiscoveryPort = discoveryPort
	}

	if err := m.store.SaveIdentity(identity); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return identity, nil
}

// generateDeviceID creates a new random device id.
func generateDeviceID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return fmt.Sprintf("cp_%x", bytes), nil
}
