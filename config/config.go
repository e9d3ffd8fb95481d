// Package config loads the frozen startup configuration: flags
// (spf13/pflag) and an optional YAML overlay (gopkg.in/yaml.v3); environment
// variables are not read. It generalizes the teacher's flag-package
// LoadConfigFromFlags/DefaultServerConfig into the structure this system
// needs. The result is immutable once built: there is no live-reload path,
// matching spec.md §6.4's "frozen at startup" configuration surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// TableConfig describes one configured table to cache.
type TableConfig struct {
	ID      uint8         `yaml:"id"`
	Name    string        `yaml:"name"`
	Query   string        `yaml:"query"`
	Period  time.Duration `yaml:"period"`
	Indexes []IndexConfig `yaml:"indexes"`
}

// IndexConfig describes one index over a table.
type IndexConfig struct {
	Name   string `yaml:"name"`
	Column string `yaml:"column"`
	// Type is the index's key type, "int" or "string" (table.IndexTypeInt /
	// table.IndexTypeString), per spec.md §6.4. It drives both the
	// DESCRIBE_SCHEMA "type" field and whether a primary index contributes
	// to its table's min/max key statistic.
	Type string `yaml:"type"`
}

// Config is the full frozen configuration for one snapread instance.
type Config struct {
	// Listener configuration.
	TCPAddr  string `yaml:"tcp_addr"`
	UnixPath string `yaml:"unix_path"`
	Backlog  int    `yaml:"backlog"`

	// Database.
	MySQLDSN string `yaml:"mysql_dsn"`
	PoolIdle int    `yaml:"pool_idle"`
	PoolOpen int    `yaml:"pool_open"`

	// Resource caps, per spec.md §5.
	MaxKeyLen       uint32 `yaml:"max_key_len"`
	MaxTables       int    `yaml:"max_tables"`
	MaxIndexes      int    `yaml:"max_indexes_per_table"`
	MaxFieldCount   int    `yaml:"max_field_count"`
	MaxFieldNameLen int    `yaml:"max_field_name_len"`

	// Refresh.
	DefaultTick time.Duration `yaml:"default_tick"`
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`

	// Admission / idle reaping.
	RateLimit      float64       `yaml:"rate_limit"`
	BurstSize      float64       `yaml:"burst_size"`
	MaxConnAge     time.Duration `yaml:"max_conn_age"`

	// Ambient.
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// StripNulls, when set, omits null-valued fields from encoded row
	// payloads entirely rather than encoding a zero-length null value, per
	// spec.md §6.4's global strip-null flag.
	StripNulls bool `yaml:"strip_null"`

	Tables []TableConfig `yaml:"tables"`
}

// Default returns a configuration populated with the same kind of sensible
// defaults the teacher's DefaultServerConfig ships, adapted to this
// project's fields.
func Default() *Config {
	return &Config{
		TCPAddr:         "127.0.0.1:7477",
		Backlog:         128,
		PoolIdle:        5,
		PoolOpen:        20,
		MaxKeyLen:       65536,
		MaxTables:       64,
		MaxIndexes:      16,
		MaxFieldCount:   99,
		MaxFieldNameLen: 100,
		DefaultTick:     5 * time.Second,
		Workers:         4,
		QueueSize:       64,
		RateLimit:       10,
		BurstSize:       20,
		MaxConnAge:      3 * time.Minute,
		LogLevel:        "info",
		MetricsAddr:     "",
		StripNulls:      false,
	}
}

// FlagSet builds a pflag.FlagSet bound to cfg's fields, the way the teacher
// binds ServerConfig fields to the stdlib flag package, generalized onto
// pflag so cobra commands can register it directly.
func FlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("snapread", pflag.ContinueOnError)
	fs.StringVar(&cfg.TCPAddr, "tcp-addr", cfg.TCPAddr, "TCP listen address (empty disables the TCP listener)")
	fs.StringVar(&cfg.UnixPath, "unix-path", cfg.UnixPath, "UNIX socket path (empty disables the UNIX listener)")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listener accept backlog (not applied: listeners use the system default)")
	fs.StringVar(&cfg.MySQLDSN, "mysql-dsn", cfg.MySQLDSN, "MySQL data source name")
	fs.IntVar(&cfg.PoolIdle, "pool-idle", cfg.PoolIdle, "max idle MySQL connections")
	fs.IntVar(&cfg.PoolOpen, "pool-open", cfg.PoolOpen, "max open MySQL connections")
	fs.Uint32Var(&cfg.MaxKeyLen, "max-key-len", cfg.MaxKeyLen, "maximum inbound key length in bytes")
	fs.DurationVar(&cfg.DefaultTick, "tick", cfg.DefaultTick, "default refresh period")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "refresh worker pool size")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "refresh job queue size")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "admission requests per second per client address")
	fs.Float64Var(&cfg.BurstSize, "burst-size", cfg.BurstSize, "admission burst size per client address")
	fs.DurationVar(&cfg.MaxConnAge, "max-conn-age", cfg.MaxConnAge, "idle connection cutoff")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus /metrics listen address (empty disables it)")
	fs.BoolVar(&cfg.StripNulls, "strip-null", cfg.StripNulls, "omit null-valued fields from encoded row payloads")
	return fs
}

// LoadYAMLOverlay reads a YAML file at path and merges set fields into cfg.
// An absent path is not an error — YAML is optional, flags and defaults are
// sufficient on their own.
func LoadYAMLOverlay(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks resource caps and table definitions against spec.md §5's
// hard limits before the config is ever frozen and handed to the core.
func (c *Config) Validate() error {
	if c.TCPAddr == "" && c.UnixPath == "" {
		return fmt.Errorf("config: at least one of tcp_addr or unix_path must be set")
	}
	if len(c.Tables) > c.MaxTables {
		return fmt.Errorf("config: %d tables configured, exceeds max_tables %d", len(c.Tables), c.MaxTables)
	}
	seen := make(map[uint8]bool)
	for _, t := range c.Tables {
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate table id %d (%s)", t.ID, t.Name)
		}
		seen[t.ID] = true
		if len(t.Indexes) > c.MaxIndexes {
			return fmt.Errorf("config: table %s has %d indexes, exceeds max_indexes_per_table %d", t.Name, len(t.Indexes), c.MaxIndexes)
		}
		if len(t.Indexes) == 0 {
			return fmt.Errorf("config: table %s has no indexes", t.Name)
		}
	}
	return nil
}
