package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/classpair/classpair/internal/logger"
)

// Config is the complete configuration for the classpair sync core.
type Config struct {
	// Device identity defaults (applied on first run)
	Device DeviceConfig `toml:"device"`

	// Sync session tuning
	Sync SyncConfig `toml:"sync"`

	// Persistence settings
	Storage StorageConfig `toml:"storage"`

	// Logging settings
	Logging logger.Config `toml:"logging"`

	// Directory paths (computed, not stored in TOML)
	DataDir   string `toml:"-"`
	ConfigDir string `toml:"-"`
}

// DeviceConfig seeds the device identity on first use.
type DeviceConfig struct {
	// Display name shown to peers during pairing
	Name string `toml:"name"`

	// Conflict resolution strategy: "newest" or "merge"
	ConflictResolution string `toml:"conflict_resolution"`

	// Port offered to peers for direct connections
	DiscoveryPort int `toml:"discovery_port"`
}

// SyncConfig tunes the session state machine.
type SyncConfig struct {
	// Interval between client heartbeats once connected
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`

	// How long a connection attempt may take before it errors out
	ConnectTimeout time.Duration `toml:"connect_timeout"`

	// Lifetime of a pairing offer
	OfferTTL time.Duration `toml:"offer_ttl"`
}

// StorageConfig locates the persistent store.
type StorageConfig struct {
	// Path to the SQLite store file
	Path string `toml:"path"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "classpair-device"
	}

	return &Config{
		Device: DeviceConfig{
			Name:               hostname,
			ConflictResolution: "merge",
			DiscoveryPort:      8765,
		},
		Sync: SyncConfig{
			HeartbeatInterval: 5 * time.Second,
			ConnectTimeout:    15 * time.Second,
			OfferTTL:          5 * time.Minute,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "classpair.db"),
		},
		Logging:   *logger.DefaultConfig(),
		DataDir:   dataDir,
		ConfigDir: defaultConfigDir(),
	}
}

// Load reads configuration from path, falling back to defaults for any
// missing file or field. An empty path uses the default location.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = filepath.Join(cfg.ConfigDir, "config.toml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to path with restrictive permissions.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.ConfigDir, "config.toml")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the session layer cannot
// operate with.
func (c *Config) Validate() error {
	if c.Device.ConflictResolution != "newest" && c.Device.ConflictResolution != "merge" {
		return fmt.Errorf("device.conflict_resolution must be \"newest\" or \"merge\", got %q", c.Device.ConflictResolution)
	}
	if c.Device.DiscoveryPort <= 0 || c.Device.DiscoveryPort > 65535 {
		return fmt.Errorf("device.discovery_port must be 1-65535, got %d", c.Device.DiscoveryPort)
	}
	if c.Sync.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_interval must be positive")
	}
	if c.Sync.ConnectTimeout <= 0 {
		return fmt.Errorf("sync.connect_timeout must be positive")
	}
	if c.Sync.OfferTTL <= 0 {
		return fmt.Errorf("sync.offer_ttl must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path cannot be empty")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".local", "share", "classpair")
	}
	return ".classpair"
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "classpair")
	}
	return ".classpair"
}
