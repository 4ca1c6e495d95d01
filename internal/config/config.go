// Package config provides configuration parsing and validation for campuslink.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/campuslink/campuslink/internal/discovery"
	"github.com/campuslink/campuslink/internal/protocol"
)

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Limits    LimitsConfig    `yaml:"limits"`
	API       APIConfig       `yaml:"api"`
}

// NodeConfig contains identity and logging settings.
type NodeConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for the identity key
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	Profile   string `yaml:"profile"`    // Path to the profile YAML; relative to data_dir
}

// EndpointConfig defines the QUIC endpoint.
type EndpointConfig struct {
	Listen           string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RejectLinger     time.Duration `yaml:"reject_linger"`
}

// DiscoveryConfig defines LAN discovery.
type DiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ServiceTag      string        `yaml:"service_tag"`
	Interval        time.Duration `yaml:"interval"`
	PeerTTL         time.Duration `yaml:"peer_ttl"`
	AddressBookSize int           `yaml:"address_book_size"`
}

// LimitsConfig defines message and rate limits.
type LimitsConfig struct {
	RequestBytes int     `yaml:"request_bytes"`
	ProfileBytes int     `yaml:"profile_bytes"`
	InboundRate  float64 `yaml:"inbound_rate"` // requests per second
	InboundBurst int     `yaml:"inbound_burst"`
	EventBacklog int     `yaml:"event_backlog"`
}

// APIConfig defines the local control API.
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	Token        string        `yaml:"token"`      // optional bearer token
	TokenHash    string        `yaml:"token_hash"` // bcrypt hash of the bearer token; used when token is empty
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
			Profile:   "profile.yaml",
		},
		Endpoint: EndpointConfig{
			Listen:           "0.0.0.0:0",
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      30 * time.Second,
			RejectLinger:     2 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:         true,
			ServiceTag:      discovery.DefaultServiceTag,
			Interval:        discovery.DefaultInterval,
			PeerTTL:         discovery.DefaultPeerTTL,
			AddressBookSize: discovery.DefaultAddressBookSize,
		},
		Limits: LimitsConfig{
			RequestBytes: protocol.MaxRequestSize,
			ProfileBytes: protocol.MaxProfileSize,
			InboundRate:  5,
			InboundBurst: 10,
			EventBacklog: 64,
		},
		API: APIConfig{
			Enabled:      true,
			Address:      "127.0.0.1:7420",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	if err := validateHostPort(c.Endpoint.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("endpoint.listen: %v", err))
	}
	if c.Endpoint.HandshakeTimeout <= 0 {
		errs = append(errs, "endpoint.handshake_timeout must be positive")
	}
	if c.Endpoint.IdleTimeout < 0 {
		errs = append(errs, "endpoint.idle_timeout must not be negative")
	}

	if c.Discovery.Enabled {
		if !strings.HasPrefix(c.Discovery.ServiceTag, "_") || !strings.HasSuffix(c.Discovery.ServiceTag, "._udp") {
			errs = append(errs, fmt.Sprintf("discovery.service_tag: %q must look like _name._udp", c.Discovery.ServiceTag))
		}
		if c.Discovery.Interval < time.Second {
			errs = append(errs, "discovery.interval must be at least 1s")
		}
		if c.Discovery.PeerTTL < c.Discovery.Interval {
			errs = append(errs, "discovery.peer_ttl must be >= discovery.interval")
		}
		if c.Discovery.AddressBookSize < 1 {
			errs = append(errs, "discovery.address_book_size must be positive")
		}
	}

	if c.Limits.RequestBytes < 64 || c.Limits.RequestBytes > protocol.MaxRequestSize {
		errs = append(errs, fmt.Sprintf("limits.request_bytes must be between 64 and %d", protocol.MaxRequestSize))
	}
	if c.Limits.ProfileBytes < 1024 || c.Limits.ProfileBytes > protocol.MaxProfileSize {
		errs = append(errs, fmt.Sprintf("limits.profile_bytes must be between 1024 and %d", protocol.MaxProfileSize))
	}
	if c.Limits.InboundRate < 0 {
		errs = append(errs, "limits.inbound_rate must not be negative")
	}
	if c.Limits.InboundBurst < 1 {
		errs = append(errs, "limits.inbound_burst must be positive")
	}
	if c.Limits.EventBacklog < 1 {
		errs = append(errs, "limits.event_backlog must be positive")
	}

	if c.API.Enabled {
		if err := validateHostPort(c.API.Address); err != nil {
			errs = append(errs, fmt.Sprintf("api.address: %v", err))
		}
		if c.API.TokenHash != "" {
			if _, err := bcrypt.Cost([]byte(c.API.TokenHash)); err != nil {
				errs = append(errs, fmt.Sprintf("api.token_hash: not a bcrypt hash: %v", err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %v", addr, err)
	}
	return nil
}

// ProfilePath resolves the profile path against the data directory.
func (c *Config) ProfilePath() string {
	if c.Node.Profile == "" || filepath.IsAbs(c.Node.Profile) {
		return c.Node.Profile
	}
	return filepath.Join(c.Node.DataDir, c.Node.Profile)
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.API.Token != "" {
		redacted.API.Token = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.API.Token != ""
}

// Save writes cfg as YAML to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
