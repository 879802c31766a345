package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:generate go run ../../cmd/schema/main.go schema.json

// Config holds the application configuration
type Config struct {
	Server struct {
		Listen  string        `yaml:"listen" json:"listen" jsonschema:"default=:8080,description=HTTP server listen address"`
		Timeout time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=HTTP server timeout"`
	} `yaml:"server" json:"server" jsonschema:"description=Server configuration"`

	Database struct {
		DSN             string `yaml:"dsn" json:"dsn" jsonschema:"default=file:refeed.db?cache=shared&mode=rwc,description=Database connection string"`
		MaxOpenConns    int    `yaml:"max_open_conns" json:"max_open_conns" jsonschema:"default=10,description=Maximum number of open connections"`
		MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns" jsonschema:"default=5,description=Maximum number of idle connections"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime" jsonschema:"default=3600,description=Connection maximum lifetime in seconds"`
	} `yaml:"database" json:"database" jsonschema:"description=Database configuration"`

	Sync SyncConfig `yaml:"sync" json:"sync" jsonschema:"description=Feed sync configuration"`

	Import struct {
		MaxWorkers    int   `yaml:"max_workers" json:"max_workers" jsonschema:"default=4,description=Maximum concurrent feed fetches per import"`
		MaxUploadSize int64 `yaml:"max_upload_size" json:"max_upload_size" jsonschema:"default=5242880,description=Maximum OPML upload size in bytes"`
	} `yaml:"import" json:"import" jsonschema:"description=OPML import configuration"`
}

// SyncConfig holds feed fetching and background re-sync settings
type SyncConfig struct {
	CheckEvery     time.Duration `yaml:"check_every" json:"check_every" jsonschema:"default=1m,description=How often to scan for feeds due for re-sync"`
	ResyncInterval time.Duration `yaml:"resync_interval" json:"resync_interval" jsonschema:"default=1h,description=How old a successful sync may get before re-sync"`
	MaxWorkers     int           `yaml:"max_workers" json:"max_workers" jsonschema:"default=10,description=Maximum concurrent feed fetches"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" jsonschema:"default=30s,description=Fetch timeout per feed"`
	UserAgent      string        `yaml:"user_agent" json:"user_agent" jsonschema:"default=Refeed/1.0,description=User agent for feed requests"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // file path comes from CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// set defaults for server
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}

	// set defaults for database
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:refeed.db?cache=shared&mode=rwc&_txlock=immediate"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 3600
	}

	// set defaults for sync
	if cfg.Sync.CheckEvery == 0 {
		cfg.Sync.CheckEvery = time.Minute
	}
	if cfg.Sync.ResyncInterval == 0 {
		cfg.Sync.ResyncInterval = time.Hour
	}
	if cfg.Sync.MaxWorkers == 0 {
		cfg.Sync.MaxWorkers = 10
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = 30 * time.Second
	}
	if cfg.Sync.UserAgent == "" {
		cfg.Sync.UserAgent = "Refeed/1.0"
	}

	// set defaults for import
	if cfg.Import.MaxWorkers == 0 {
		cfg.Import.MaxWorkers = 4
	}
	if cfg.Import.MaxUploadSize == 0 {
		cfg.Import.MaxUploadSize = 5 * 1024 * 1024
	}

	// validate configuration
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	// verify against embedded schema
	if err := VerifyAgainstEmbeddedSchema(&cfg); err != nil {
		// log warning but don't fail - schema validation is supplementary
		fmt.Printf("warning: schema validation failed: %v\n", err)
	}

	return &cfg, nil
}

// validate checks configuration for correctness
func validate(cfg *Config) error {

	// validate server config
	if cfg.Server.Timeout < time.Second {
		return fmt.Errorf("server timeout must be at least 1 second")
	}

	// validate sync config
	if cfg.Sync.CheckEvery < time.Second {
		return fmt.Errorf("sync.check_every must be at least 1 second")
	}
	if cfg.Sync.ResyncInterval < time.Minute {
		return fmt.Errorf("sync.resync_interval must be at least 1 minute")
	}
	if cfg.Sync.Timeout < time.Second {
		return fmt.Errorf("sync.timeout must be at least 1 second")
	}
	if cfg.Sync.MaxWorkers < 1 {
		return fmt.Errorf("sync.max_workers must be at least 1")
	}

	// validate import config
	if cfg.Import.MaxWorkers < 1 {
		return fmt.Errorf("import.max_workers must be at least 1")
	}
	if cfg.Import.MaxUploadSize < 1024 {
		return fmt.Errorf("import.max_upload_size must be at least 1KB")
	}

	return nil
}

// GetServerConfig returns server configuration
func (c *Config) GetServerConfig() (listen string, timeout time.Duration) {
	return c.Server.Listen, c.Server.Timeout
}

// GetSyncConfig returns feed sync configuration
func (c *Config) GetSyncConfig() SyncConfig {
	return c.Sync
}

// GetImportLimit returns the maximum OPML upload size in bytes
func (c *Config) GetImportLimit() int64 {
	return c.Import.MaxUploadSize
}
