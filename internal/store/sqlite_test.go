package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpair/classpair/internal/logger"
	"github.com/classpair/classpair/internal/vclock"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.Config{Level: "disabled", Output: "stderr"})
	m.Run()
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(&Options{
		Path:            filepath.Join(t.TempDir(), "classpair.db"),
		CreateIfMissing: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_Validation(t *testing.T) {
	_, err := NewSQLiteStore(nil)
	assert.Error(t, err)

	_, err = NewSQLiteStore(&Options{Path: ""})
	assert.Error(t, err)

	_, err = NewSQLiteStore(&Options{
		Path:            filepath.Join(t.TempDir(), "missing.db"),
		CreateIfMissing: false,
	})
	assert.Error(t, err)
}

func TestSQLiteStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classpair.db")
	s, err := NewSQLiteStore(&Options{Path: path, CreateIfMissing: true})
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestIdentity_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	identity, err := s.GetIdentity()
	require.NoError(t, err)
	assert.Nil(t, identity, "absent identity returns nil, nil")

	saved := &DeviceIdentity{
		DeviceID:           "cp_abc123",
		DeviceName:         "Staff Laptop",
		PrivateKey:         "priv",
		PublicKey:          "pub",
		ConflictResolution: "merge",
		DiscoveryPort:      8765,
	}
	require.NoError(t, s.SaveIdentity(saved))

	loaded, err := s.GetIdentity()
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)

	assert.Error(t, s.SaveIdentity(nil))
}

func TestPairedDevices_CRUD(t *testing.T) {
	s := openTestStore(t)

	devices, err := s.ListPairedDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)

	require.NoError(t, s.SavePairedDevice(PairedDevice{ID: "cp_a", Name: "Tablet", PairedAt: 100}))
	require.NoError(t, s.SavePairedDevice(PairedDevice{ID: "cp_b", Name: "Phone", PairedAt: 200}))

	devices, err = s.ListPairedDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	// Re-pairing overwrites the entry with the same id.
	require.NoError(t, s.SavePairedDevice(PairedDevice{ID: "cp_a", Name: "Tablet v2", PairedAt: 300}))
	devices, err = s.ListPairedDevices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Tablet v2", devices[0].Name)

	require.NoError(t, s.RemovePairedDevice("cp_a"))
	devices, err = s.ListPairedDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "cp_b", devices[0].ID)

	assert.Error(t, s.RemovePairedDevice("cp_missing"))
}

func TestUpdateLastSync(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SavePairedDevice(PairedDevice{ID: "cp_a", Name: "Tablet"}))

	devices, err := s.ListPairedDevices()
	require.NoError(t, err)
	assert.Nil(t, devices[0].LastSyncAt, "never-synced peer has no timestamp")

	require.NoError(t, s.UpdateLastSync("cp_a", 1756375200000))

	devices, err = s.ListPairedDevices()
	require.NoError(t, err)
	require.NotNil(t, devices[0].LastSyncAt)
	assert.Equal(t, int64(1756375200000), *devices[0].LastSyncAt)

	assert.Error(t, s.UpdateLastSync("cp_missing", 1))
}

func TestVectorClock_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	clock, err := s.GetVectorClock()
	require.NoError(t, err)
	assert.Empty(t, clock)

	require.NoError(t, s.SaveVectorClock(vclock.Clock{"cp_a": 3, "cp_b": 1}))

	clock, err = s.GetVectorClock()
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"cp_a": 3, "cp_b": 1}, clock)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classpair.db")

	s, err := NewSQLiteStore(&Options{Path: path, CreateIfMissing: true})
	require.NoError(t, err)
	require.NoError(t, s.SaveIdentity(&DeviceIdentity{DeviceID: "cp_x"}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(&Options{Path: path, CreateIfMissing: false})
	require.NoError(t, err)
	defer s.Close()

	identity, err := s.GetIdentity()
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "cp_x", identity.DeviceID)
}

func TestMemoryStore_MatchesContract(t *testing.T) {
	var s Store = NewMemoryStore()
	defer s.Close()

	identity, err := s.GetIdentity()
	require.NoError(t, err)
	assert.Nil(t, identity)

	require.NoError(t, s.SaveIdentity(&DeviceIdentity{DeviceID: "cp_m"}))
	identity, err = s.GetIdentity()
	require.NoError(t, err)
	assert.Equal(t, "cp_m", identity.DeviceID)

	require.NoError(t, s.SavePairedDevice(PairedDevice{ID: "cp_p"}))
	require.NoError(t, s.UpdateLastSync("cp_p", 42))
	devices, err := s.ListPairedDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NotNil(t, devices[0].LastSyncAt)
	assert.Equal(t, int64(42), *devices[0].LastSyncAt)

	require.NoError(t, s.SaveVectorClock(vclock.Clock{"cp_m": 1}))
	clock, err := s.GetVectorClock()
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"cp_m": 1}, clock)
}
