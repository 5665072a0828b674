package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Legacy    LegacyConfig    `yaml:"legacy"`
	Primary   PrimaryConfig   `yaml:"primary"`
	Migration MigrationConfig `yaml:"migration"`
	Sync      SyncConfig      `yaml:"sync"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains admin HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains local cache database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LegacyConfig contains settings for the legacy remote store (being phased out).
type LegacyConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// PrimaryConfig contains settings for the primary remote store (migration
// destination).
type PrimaryConfig struct {
	DSN string `yaml:"-"` // env-only, carries credentials
}

// MigrationConfig selects the active write phase and the read source.
// ReadFromPrimary is independent of which targets receive writes so that
// reads are never dual-sourced mid-migration.
type MigrationConfig struct {
	Phase           string `yaml:"phase"`
	ReadFromPrimary bool   `yaml:"read_from_primary"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	Interval      Duration `yaml:"interval"`
	PullWindow    Duration `yaml:"pull_window"`
	Lease         Duration `yaml:"lease"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// ReconcileConfig contains reconciliation job settings.
type ReconcileConfig struct {
	Interval Duration      `yaml:"interval"`
	Archive  ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig contains S3-compatible report archive settings.
// An empty bucket disables archival.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
	UseSSL    *bool  `yaml:"use_ssl"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("HERDSYNC_CONFIG_PATH", "config/herdsync.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/herdsync.db",
		},
		Legacy: LegacyConfig{
			Timeout: Duration(30 * time.Second),
		},
		Migration: MigrationConfig{
			Phase:           "legacy-only",
			ReadFromPrimary: false,
		},
		Sync: SyncConfig{
			Interval:      Duration(5 * time.Minute),
			PullWindow:    Duration(30 * 24 * time.Hour),
			Lease:         Duration(5 * time.Minute),
			ProbeInterval: Duration(30 * time.Second),
		},
		Reconcile: ReconcileConfig{
			Interval: Duration(1 * time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("HERDSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HERDSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("HERDSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Legacy remote
	if v := os.Getenv("HERDSYNC_LEGACY_URL"); v != "" {
		cfg.Legacy.BaseURL = v
	}
	if v := os.Getenv("HERDSYNC_LEGACY_API_KEY"); v != "" {
		cfg.Legacy.APIKey = v
	}

	// Primary remote
	if v := os.Getenv("HERDSYNC_PRIMARY_DSN"); v != "" {
		cfg.Primary.DSN = v
	}

	// Migration
	if v := os.Getenv("HERDSYNC_MIGRATION_PHASE"); v != "" {
		cfg.Migration.Phase = v
	}
	if v := os.Getenv("HERDSYNC_READ_FROM_PRIMARY"); v != "" {
		cfg.Migration.ReadFromPrimary = v == "true" || v == "1"
	}

	// Sync
	if v := os.Getenv("HERDSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("HERDSYNC_PULL_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.PullWindow = Duration(d)
		}
	}
	if v := os.Getenv("HERDSYNC_SYNC_LEASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Lease = Duration(d)
		}
	}
	if v := os.Getenv("HERDSYNC_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ProbeInterval = Duration(d)
		}
	}

	// Reconcile
	if v := os.Getenv("HERDSYNC_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconcile.Interval = Duration(d)
		}
	}
	if v := os.Getenv("HERDSYNC_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Reconcile.Archive.Endpoint = v
	}
	if v := os.Getenv("HERDSYNC_ARCHIVE_BUCKET"); v != "" {
		cfg.Reconcile.Archive.Bucket = v
	}
	if v := os.Getenv("HERDSYNC_ARCHIVE_REGION"); v != "" {
		cfg.Reconcile.Archive.Region = v
	}
	if v := os.Getenv("HERDSYNC_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Reconcile.Archive.AccessKey = v
	}
	if v := os.Getenv("HERDSYNC_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Reconcile.Archive.SecretKey = v
	}

	// Auth
	if v := os.Getenv("HERDSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("HERDSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HERDSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validPhases are the accepted migration phases.
var validPhases = map[string]bool{
	"legacy-only":  true,
	"dual-write":   true,
	"primary-only": true,
}

// validate checks that required configuration values are set.
// In dev mode (HERDSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if !validPhases[c.Migration.Phase] {
		return fmt.Errorf("invalid migration phase %q", c.Migration.Phase)
	}

	if os.Getenv("HERDSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Auth.APIKey == "" {
		return errors.New("HERDSYNC_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
