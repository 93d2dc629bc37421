// ABOUTME: Configuration loading and parsing for mesh-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Network kinds
const (
	KindSerial = "serial" // radio attached over USB serial
	KindTCP    = "tcp"    // radio reached over its TCP API
	KindJSONL  = "jsonl"  // companion bridge speaking newline-delimited JSON
)

// Config represents the complete mesh-bridge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Networks    NetworksConfig    `yaml:"networks" toml:"networks"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
	Identity    IdentityConfig    `yaml:"identity" toml:"identity"`
	Admin       AdminConfig       `yaml:"admin" toml:"admin"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database and retention configuration
type DatabaseConfig struct {
	Path           string `yaml:"path" toml:"path"`
	BusyRetries    int    `yaml:"busy_retries" toml:"busy_retries"`
	ErrorThreshold int    `yaml:"error_threshold" toml:"error_threshold"`

	PacketRetention   time.Duration `yaml:"-" toml:"-"`
	NeighborRetention time.Duration `yaml:"-" toml:"-"`
	ErrorWindow       time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PacketRetentionRaw   string `yaml:"packet_retention" toml:"packet_retention"`
	NeighborRetentionRaw string `yaml:"neighbor_retention" toml:"neighbor_retention"`
	ErrorWindowRaw       string `yaml:"error_window" toml:"error_window"`
}

// NetworksConfig holds the primary and optional secondary network
type NetworksConfig struct {
	Primary   NetworkConfig  `yaml:"primary" toml:"primary"`
	Secondary *NetworkConfig `yaml:"secondary" toml:"secondary"`

	// DedupeWindow is how long a (packet id, sender) pair counts as already seen.
	DedupeWindow    time.Duration `yaml:"-" toml:"-"`
	DedupeWindowRaw string        `yaml:"dedupe_window" toml:"dedupe_window"`
}

// NetworkConfig describes one radio network connection
type NetworkConfig struct {
	Kind     string `yaml:"kind" toml:"kind"`     // serial, tcp, jsonl
	Device   string `yaml:"device" toml:"device"` // serial device path
	BaudRate int    `yaml:"baud_rate" toml:"baud_rate"`
	Address  string `yaml:"address" toml:"address"` // host:port for tcp and jsonl

	SilenceThreshold time.Duration `yaml:"-" toml:"-"`
	DialTimeout      time.Duration `yaml:"-" toml:"-"`

	SilenceThresholdRaw string `yaml:"silence_threshold" toml:"silence_threshold"`
	DialTimeoutRaw      string `yaml:"dial_timeout" toml:"dial_timeout"`
}

// MaintenanceConfig holds periodic task configuration
type MaintenanceConfig struct {
	BroadcastText string `yaml:"broadcast_text" toml:"broadcast_text"`

	Interval          time.Duration `yaml:"-" toml:"-"`
	BroadcastInterval time.Duration `yaml:"-" toml:"-"`

	IntervalRaw          string `yaml:"interval" toml:"interval"`
	BroadcastIntervalRaw string `yaml:"broadcast_interval" toml:"broadcast_interval"`
}

// IdentityConfig tunes the identity resolver
type IdentityConfig struct {
	NegativeCacheSize int `yaml:"negative_cache_size" toml:"negative_cache_size"`

	NegativeTTL   time.Duration `yaml:"-" toml:"-"`
	FlushInterval time.Duration `yaml:"-" toml:"-"`

	NegativeTTLRaw   string `yaml:"negative_ttl" toml:"negative_ttl"`
	FlushIntervalRaw string `yaml:"flush_interval" toml:"flush_interval"`
}

// AdminConfig holds the shared secret for maintenance operations.
// Secret may be plain text or a bcrypt hash.
type AdminConfig struct {
	Secret string `yaml:"secret" toml:"secret"`
	// NotifyNode receives a direct message when a node is heard for the first time.
	NotifyNode string `yaml:"notify_node" toml:"notify_node"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset values with the production defaults.
func (c *Config) ApplyDefaults() {
	if c.Database.PacketRetention == 0 {
		c.Database.PacketRetention = 14 * 24 * time.Hour
	}
	if c.Database.NeighborRetention == 0 {
		c.Database.NeighborRetention = 48 * time.Hour
	}
	if c.Database.BusyRetries == 0 {
		c.Database.BusyRetries = 5
	}
	if c.Database.ErrorWindow == 0 {
		c.Database.ErrorWindow = 5 * time.Minute
	}
	if c.Database.ErrorThreshold == 0 {
		c.Database.ErrorThreshold = 20
	}

	if c.Networks.DedupeWindow == 0 {
		c.Networks.DedupeWindow = 10 * time.Minute
	}
	applyNetworkDefaults(&c.Networks.Primary)
	if c.Networks.Secondary != nil {
		applyNetworkDefaults(c.Networks.Secondary)
	}

	if c.Maintenance.Interval == 0 {
		c.Maintenance.Interval = 30 * time.Second
	}
	if c.Identity.NegativeCacheSize == 0 {
		c.Identity.NegativeCacheSize = 256
	}
	// An explicit "0s" disables the negative cache.
	if c.Identity.NegativeTTL == 0 && c.Identity.NegativeTTLRaw == "" {
		c.Identity.NegativeTTL = 10 * time.Minute
	}
	if c.Identity.FlushInterval == 0 {
		c.Identity.FlushInterval = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func applyNetworkDefaults(n *NetworkConfig) {
	if n.Kind == KindSerial && n.BaudRate == 0 {
		n.BaudRate = 115200
	}
	if n.SilenceThreshold == 0 {
		n.SilenceThreshold = 15 * time.Minute
	}
	if n.DialTimeout == 0 {
		n.DialTimeout = 10 * time.Second
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if err := validateNetwork("networks.primary", c.Networks.Primary); err != nil {
		return err
	}
	if c.Networks.Secondary != nil {
		if err := validateNetwork("networks.secondary", *c.Networks.Secondary); err != nil {
			return err
		}
	}

	if c.Database.ErrorThreshold < 1 {
		return fmt.Errorf("database.error_threshold must be at least 1")
	}

	return nil
}

func validateNetwork(name string, n NetworkConfig) error {
	switch n.Kind {
	case KindSerial:
		if n.Device == "" {
			return fmt.Errorf("%s.device is required for serial networks", name)
		}
	case KindTCP, KindJSONL:
		if n.Address == "" {
			return fmt.Errorf("%s.address is required for %s networks", name, n.Kind)
		}
	case "":
		return fmt.Errorf("%s.kind is required", name)
	default:
		return fmt.Errorf("%s.kind %q is not one of serial, tcp, jsonl", name, n.Kind)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.packet_retention", cfg.Database.PacketRetentionRaw, &cfg.Database.PacketRetention},
		{"database.neighbor_retention", cfg.Database.NeighborRetentionRaw, &cfg.Database.NeighborRetention},
		{"database.error_window", cfg.Database.ErrorWindowRaw, &cfg.Database.ErrorWindow},
		{"networks.dedupe_window", cfg.Networks.DedupeWindowRaw, &cfg.Networks.DedupeWindow},
		{"networks.primary.silence_threshold", cfg.Networks.Primary.SilenceThresholdRaw, &cfg.Networks.Primary.SilenceThreshold},
		{"networks.primary.dial_timeout", cfg.Networks.Primary.DialTimeoutRaw, &cfg.Networks.Primary.DialTimeout},
		{"maintenance.interval", cfg.Maintenance.IntervalRaw, &cfg.Maintenance.Interval},
		{"maintenance.broadcast_interval", cfg.Maintenance.BroadcastIntervalRaw, &cfg.Maintenance.BroadcastInterval},
		{"identity.negative_ttl", cfg.Identity.NegativeTTLRaw, &cfg.Identity.NegativeTTL},
		{"identity.flush_interval", cfg.Identity.FlushIntervalRaw, &cfg.Identity.FlushInterval},
	}
	if s := cfg.Networks.Secondary; s != nil {
		fields = append(fields,
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{"networks.secondary.silence_threshold", s.SilenceThresholdRaw, &s.SilenceThreshold},
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{"networks.secondary.dial_timeout", s.DialTimeoutRaw, &s.DialTimeout},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ParseDuration accepts Go duration syntax plus a trailing "d" for days.
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err == nil && fmt.Sprintf("%dd", days) == s {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}
