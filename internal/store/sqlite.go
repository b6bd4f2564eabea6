package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/classpair/classpair/internal/logger"
	"github.com/classpair/classpair/internal/vclock"
)

// SQLiteStore implements Store on a single key-value table.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
	path   string
}

// Options controls store initialization.
type Options struct {
	Path            string
	CreateIfMissing bool
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// NewSQLiteStore opens (and if requested creates) the store at opts.Path.
// The database file is created with 0600 permissions in a 0700 directory.
func NewSQLiteStore(opts *Options) (*SQLiteStore, error) {
	if opts == nil || opts.Path == "" {
		return nil, fmt.Errorf("store path is required")
	}

	log := logger.GetLogger().Store()

	if opts.CreateIfMissing {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	} else if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("store does not exist at %s: %w", opts.Path, err)
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	s := &SQLiteStore{db: db, logger: log, path: opts.Path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", opts.Path).Msg("Store opened")
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// SQLite creates the file with default permissions; tighten them.
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.WithError(err).Warn().Msg("Failed to restrict store file permissions")
	}

	return nil
}

func (s *SQLiteStore) getValue(key string) ([]byte, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQLiteStore) setValue(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize value for key %q: %w", key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// GetIdentity returns the stored device identity, or (nil, nil) when absent.
func (s *SQLiteStore) GetIdentity() (*DeviceIdentity, error) {
	data, err := s.getValue(KeySettings)
	if err != nil || data == nil {
		return nil, err
	}

	var identity DeviceIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("corrupt settings record: %w", err)
	}
	return &identity, nil
}

func (s *SQLiteStore) SaveIdentity(identity *DeviceIdentity) error {
	if identity == nil {
		return fmt.Errorf("identity cannot be nil")
	}
	return s.setValue(KeySettings, identity)
}

func (s *SQLiteStore) ListPairedDevices() ([]PairedDevice, error) {
	data, err := s.getValue(KeyPairedDevices)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return []PairedDevice{}, nil
	}

	var devices []PairedDevice
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("corrupt paired-device record: %w", err)
	}
	return devices, nil
}

func (s *SQLiteStore) SavePairedDevice(device PairedDevice) error {
	devices, err := s.ListPairedDevices()
	if err != nil {
		return err
	}

	replaced := false
	for i := range devices {
		if devices[i].ID == device.ID {
			devices[i] = device
			replaced = true
			break
		}
	}
	if !replaced {
		devices = append(devices, device)
	}

	if err := s.setValue(KeyPairedDevices, devices); err != nil {
		return err
	}

	s.logger.Info().
		Str("peer_id", device.ID).
		Str("peer_name", device.Name).
		Bool("replaced", replaced).
		Msg("Paired device saved")
	return nil
}

func (s *SQLiteStore) RemovePairedDevice(id string) error {
	devices, err := s.ListPairedDevices()
	if err != nil {
		return err
	}

	kept := devices[:0]
	for _, d := range devices {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	if len(kept) == len(devices) {
		return fmt.Errorf("no paired device with id %q", id)
	}

	return s.setValue(KeyPairedDevices, kept)
}

func (s *SQLiteStore) UpdateLastSync(id string, timestamp int64) error {
	devices, err := s.ListPairedDevices()
	if err != nil {
		return err
	}

	for i := range devices {
		if devices[i].ID == id {
			devices[i].LastSyncAt = &timestamp
			return s.setValue(KeyPairedDevices, devices)
		}
	}
	return fmt.Errorf("no paired device with id %q", id)
}

func (s *SQLiteStore) GetVectorClock() (vclock.Clock, error) {
	data, err := s.getValue(KeyVectorClock)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return vclock.Clock{}, nil
	}

	var clock vclock.Clock
	if err := json.Unmarshal(data, &clock); err != nil {
		return nil, fmt.Errorf("corrupt vector clock record: %w", err)
	}
	return clock, nil
}

func (s *SQLiteStore) SaveVectorClock(clock vclock.Clock) error {
	return s.setValue(KeyVectorClock, clock)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
