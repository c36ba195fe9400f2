package photostore

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default storage limits
const (
	DefaultMaxPhotos        = 50
	DefaultRetentionWindow  = 7 * 24 * time.Hour
	DefaultName             = "timestamp-photos"
	DefaultSchemaVersion    = 1
	DefaultSweepInterval    = time.Minute
	DefaultDeleteRetryDelay = 100 * time.Millisecond
	DefaultLockTimeout      = time.Second
)

// Config describes where the database lives and how much it may hold.
type Config struct {
	DBType           string        `yaml:"dbType" env:"DB_TYPE"`
	Dir              string        `yaml:"dir" env:"DIR"`
	Name             string        `yaml:"name" env:"NAME"`
	SchemaVersion    int           `yaml:"schemaVersion" env:"SCHEMA_VERSION"`
	MaxPhotos        int           `yaml:"maxPhotos" env:"MAX_PHOTOS"`
	RetentionWindow  time.Duration `yaml:"retentionWindow" env:"RETENTION_WINDOW"`
	SweepInterval    time.Duration `yaml:"sweepInterval" env:"SWEEP_INTERVAL"`
	DeleteRetryDelay time.Duration `yaml:"deleteRetryDelay" env:"DELETE_RETRY_DELAY"`
	LockTimeout      time.Duration `yaml:"lockTimeout" env:"LOCK_TIMEOUT"` // how long bolt waits for the file lock
}

func DefaultConfig() Config {
	return Config{
		DBType:           "bolt",
		Dir:              ".",
		Name:             DefaultName,
		SchemaVersion:    DefaultSchemaVersion,
		MaxPhotos:        DefaultMaxPhotos,
		RetentionWindow:  DefaultRetentionWindow,
		SweepInterval:    DefaultSweepInterval,
		DeleteRetryDelay: DefaultDeleteRetryDelay,
		LockTimeout:      DefaultLockTimeout,
	}
}

// LoadConfigFile reads YAML on top of the defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PHOTOSTORE_* environment variables. Unset variables keep the current value.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "PHOTOSTORE_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	switch c.DBType {
	case "bolt", "pebble":
	default:
		return fmt.Errorf("unknown database type: %s (must be 'bolt' or 'pebble')", c.DBType)
	}
	if c.Name == "" {
		return fmt.Errorf("database name is empty")
	}
	if c.SchemaVersion < 1 {
		return fmt.Errorf("schema version %d < 1", c.SchemaVersion)
	}
	if c.MaxPhotos < 1 {
		return fmt.Errorf("max photos %d < 1", c.MaxPhotos)
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention window must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if c.DeleteRetryDelay <= 0 {
		return fmt.Errorf("delete retry delay must be positive")
	}
	return nil
}
