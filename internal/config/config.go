// Package config handles configuration for the fieldsync daemon and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for fieldsync
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Conflicts ConflictsConfig `mapstructure:"conflicts"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig contains sync server connection settings
type ServerConfig struct {
	URL            string        `mapstructure:"url"`
	AuthToken      string        `mapstructure:"auth_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig contains local persistence settings
type StorageConfig struct {
	DatabasePath     string        `mapstructure:"database_path"`
	SpoolDir         string        `mapstructure:"spool_dir"`
	PruneSyncedAfter time.Duration `mapstructure:"prune_synced_after"`
	PruneSyncedEvery time.Duration `mapstructure:"prune_synced_every"`
}

// QueueConfig contains queue capacity and retry settings
type QueueConfig struct {
	MaxItems    int           `mapstructure:"max_items"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// SyncConfig contains drain behavior settings
type SyncConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	AcceleratedRetry time.Duration `mapstructure:"accelerated_retry"`
	AutoSyncInterval time.Duration `mapstructure:"auto_sync_interval"`
	AutoResolve      bool          `mapstructure:"auto_resolve"`
}

// NetworkConfig contains connectivity probe settings
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// ConflictsConfig contains conflict reporting settings
type ConflictsConfig struct {
	ExportDir string `mapstructure:"export_dir"`
}

// DashboardConfig contains the monitoring WebSocket server settings
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig contains daemon log rotation settings
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load loads configuration from defaults, an optional config file, and
// FIELDSYNC_* environment variables. An explicit configFile path is
// required to exist; the searched default locations are not.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("fieldsync")
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
		v.AddConfigPath("/etc/fieldsync")
	}

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		// Defaults and env vars are enough when no file is found.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.url", "http://localhost:8080/api")
	v.SetDefault("server.request_timeout", "30s")

	// Storage defaults
	v.SetDefault("storage.database_path", defaultDatabasePath())
	v.SetDefault("storage.spool_dir", defaultSpoolDir())
	v.SetDefault("storage.prune_synced_after", "168h") // one week
	v.SetDefault("storage.prune_synced_every", "1h")

	// Queue defaults
	v.SetDefault("queue.max_items", 10000)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", "30s")
	v.SetDefault("queue.backoff_max", "15m")

	// Sync defaults
	v.SetDefault("sync.batch_size", 25)
	v.SetDefault("sync.settle_delay", "3s")
	v.SetDefault("sync.accelerated_retry", "30s")
	v.SetDefault("sync.auto_sync_interval", "5m")
	v.SetDefault("sync.auto_resolve", true)

	// Network defaults: probe the sync server itself unless overridden
	v.SetDefault("network.probe_url", "")
	v.SetDefault("network.probe_interval", "10s")
	v.SetDefault("network.probe_timeout", "5s")

	// Dashboard defaults
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8377)

	// Log defaults
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars(v *viper.Viper) {
	v.SetEnvPrefix("FIELDSYNC")
	v.AutomaticEnv()

	_ = v.BindEnv("server.url", "FIELDSYNC_SERVER_URL")
	_ = v.BindEnv("server.auth_token", "FIELDSYNC_AUTH_TOKEN")
	_ = v.BindEnv("storage.database_path", "FIELDSYNC_DB_PATH")
	_ = v.BindEnv("storage.spool_dir", "FIELDSYNC_SPOOL_DIR")
	_ = v.BindEnv("network.probe_url", "FIELDSYNC_PROBE_URL")
	_ = v.BindEnv("dashboard.port", "FIELDSYNC_DASHBOARD_PORT")
	_ = v.BindEnv("log.file", "FIELDSYNC_LOG_FILE")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if cfg.Queue.MaxItems <= 0 {
		return fmt.Errorf("queue.max_items must be positive, got %d", cfg.Queue.MaxItems)
	}
	if cfg.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Dashboard.Enabled && (cfg.Dashboard.Port <= 0 || cfg.Dashboard.Port > 65535) {
		return fmt.Errorf("invalid dashboard port: %d", cfg.Dashboard.Port)
	}
	return nil
}

// ProbeURL returns the connectivity probe target, falling back to the
// sync server when none is configured.
func (c *Config) ProbeURL() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}
	return c.Server.URL
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fieldsync.db"
	}
	return filepath.Join(home, ".fieldsync", "fieldsync.db")
}

func defaultSpoolDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "spool"
	}
	return filepath.Join(home, ".fieldsync", "spool")
}
