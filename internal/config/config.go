// Package config loads syncd's server configuration from a TOML file,
// environment variable overrides, and (via cmd/syncd) CLI flags, in that
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig holds connection parameters for the authoritative Postgres.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// ParseURI validates that URL is a well-formed postgres:// connection string.
func (d DatabaseConfig) ParseURI() (*url.URL, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported url scheme %q (expected postgres or postgresql)", u.Scheme)
	}
	return u, nil
}

// ReplicationConfig holds settings for the WAL ingestor (§4.B / §6).
type ReplicationConfig struct {
	SlotName        string `toml:"slot_name"`
	OutputPlugin    string `toml:"output_plugin"`
	PollIdleMs      int    `toml:"poll_idle_ms"`
	PollActiveMs    int    `toml:"poll_active_ms"`
	HistoryRetentionMs int64 `toml:"history_retention_ms"`
}

func (r ReplicationConfig) PollIdleInterval() time.Duration {
	return time.Duration(r.PollIdleMs) * time.Millisecond
}

func (r ReplicationConfig) PollActiveInterval() time.Duration {
	return time.Duration(r.PollActiveMs) * time.Millisecond
}

func (r ReplicationConfig) HistoryRetention() time.Duration {
	return time.Duration(r.HistoryRetentionMs) * time.Millisecond
}

// SessionConfig holds per-client session and dispatcher batching limits
// (§3 Batch, §4.F back-pressure, §6 Configuration).
type SessionConfig struct {
	BatchMaxRecords int   `toml:"batch_max_records"`
	BatchMaxBytes   int   `toml:"batch_max_bytes"`
	QueueDepth      int   `toml:"queue_depth"`
	StallMs         int64 `toml:"stall_ms"`
	HeartbeatMs     int64 `toml:"heartbeat_ms"`
}

func (s SessionConfig) StallTimeout() time.Duration {
	return time.Duration(s.StallMs) * time.Millisecond
}

func (s SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatMs) * time.Millisecond
}

// ServerConfig holds the admin/WebSocket HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
}

// LoggingConfig holds settings for structured logging.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// Config is the top-level configuration for syncd.
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Replication ReplicationConfig `toml:"replication"`
	Session     SessionConfig     `toml:"session"`
	Server      ServerConfig      `toml:"server"`
	Logging     LoggingConfig     `toml:"logging"`
}

// Defaults returns a Config populated with the values from spec §6.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/syncd?sslmode=disable",
		},
		Replication: ReplicationConfig{
			SlotName:           "vibestack",
			OutputPlugin:       "wal2json",
			PollIdleMs:         250,
			PollActiveMs:       10,
			HistoryRetentionMs: int64(24 * time.Hour / time.Millisecond),
		},
		Session: SessionConfig{
			BatchMaxRecords: 500,
			BatchMaxBytes:   512 * 1024,
			QueueDepth:      1024,
			StallMs:         30_000,
			HeartbeatMs:     10_000,
		},
		Server: ServerConfig{
			Listen: "0.0.0.0",
			Port:   7654,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a TOML config file (if path is non-empty or a default location
// exists) layered over Defaults, then applies environment variable
// overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".syncd", "config.toml"))
	}
	candidates = append(candidates, "/etc/syncd/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNCD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SYNCD_SLOT_NAME"); v != "" {
		cfg.Replication.SlotName = v
	}
	if v := os.Getenv("SYNCD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("SYNCD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SYNCD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// Validate checks that required fields are present and values are sane,
// applying the defaults from §6 Configuration for anything left at zero.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	} else if _, err := c.Database.ParseURI(); err != nil {
		errs = append(errs, err)
	}
	if c.Replication.SlotName == "" {
		errs = append(errs, errors.New("replication slot name is required"))
	}
	if c.Replication.OutputPlugin == "" {
		c.Replication.OutputPlugin = "wal2json"
	}
	if c.Replication.PollIdleMs <= 0 {
		c.Replication.PollIdleMs = 250
	}
	if c.Replication.PollActiveMs <= 0 {
		c.Replication.PollActiveMs = 10
	}
	if c.Replication.HistoryRetentionMs <= 0 {
		c.Replication.HistoryRetentionMs = int64(24 * time.Hour / time.Millisecond)
	}
	if c.Session.BatchMaxRecords <= 0 {
		c.Session.BatchMaxRecords = 500
	}
	if c.Session.BatchMaxBytes <= 0 {
		c.Session.BatchMaxBytes = 512 * 1024
	}
	if c.Session.QueueDepth <= 0 {
		c.Session.QueueDepth = 1024
	}
	if c.Session.StallMs <= 0 {
		c.Session.StallMs = 30_000
	}
	if c.Session.HeartbeatMs <= 0 {
		c.Session.HeartbeatMs = 10_000
	}

	return errors.Join(errs...)
}
