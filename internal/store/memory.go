package store

import (
	"fmt"
	"sync"

	"github.com/classpair/classpair/internal/vclock"
)

// MemoryStore is an in-memory Store, used by tests and as a scratch backend.
type MemoryStore struct {
	mu       sync.Mutex
	identity *DeviceIdentity
	devices  []PairedDevice
	clock    vclock.Clock
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: vclock.Clock{}}
}

func (s *MemoryStore) GetIdentity() (*DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil, nil
	}
	copied := *s.identity
	return &copied, nil
}

func (s *MemoryStore) SaveIdentity(identity *DeviceIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *identity
	s.identity = &copied
	return nil
}

func (s *MemoryStore) ListPairedDevices() ([]PairedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PairedDevice{}, s.devices...), nil
}

func (s *MemoryStore) SavePairedDevice(device PairedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		if s.devices[i].ID == device.ID {
			s.devices[i] = device
			return nil
		}
	}
	s.devices = append(s.devices, device)
	return nil
}

func (s *MemoryStore) RemovePairedDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		if s.devices[i].ID == id {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no paired device with id %q", id)
}

func (s *MemoryStore) UpdateLastSync(id string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		if s.devices[i].ID == id {
			ts := timestamp
			s.devices[i].LastSyncAt = &ts
			return nil
		}
	}
	return fmt.Errorf("no paired device with id %q", id)
}

func (s *MemoryStore) GetVectorClock() (vclock.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vclock.Clone(s.clock), nil
}

func (s *MemoryStore) SaveVectorClock(clock vclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = vclock.Clone(clock)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
