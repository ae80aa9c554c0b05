// Package config provides configuration parsing and validation for udpactor.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpactor/internal/udp"
)

// maxReadBuffer is the largest useful receive buffer: the maximum UDP payload
// plus headroom.
const maxReadBuffer = 64 * 1024

// Config represents the complete agent configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Bus     BusConfig      `yaml:"bus"`
	Sockets []SocketConfig `yaml:"sockets"`
	Health  HealthConfig   `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BusConfig controls how socket events are fanned out.
type BusConfig struct {
	// Shared publishes events from every socket into a single bus.
	Shared   bool `yaml:"shared"`
	Capacity int  `yaml:"capacity"`
}

// SocketConfig defines one UDP socket.
type SocketConfig struct {
	Address    string          `yaml:"address"`
	Remote     string          `yaml:"remote,omitempty"` // connect to a fixed peer
	QueueSize  int             `yaml:"queue_size"`
	ReadBuffer string          `yaml:"read_buffer"` // human size, e.g. "64 KiB"
	SendRate   float64         `yaml:"send_rate"`   // datagrams per second, 0 = unlimited
	SendBurst  int             `yaml:"send_burst"`
	Multicast  MulticastConfig `yaml:"multicast,omitempty"`
}

// MulticastConfig defines an optional multicast group membership.
type MulticastConfig struct {
	Group     string `yaml:"group,omitempty"`
	Interface string `yaml:"interface,omitempty"`
	Loopback  bool   `yaml:"loopback,omitempty"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			Shared:   true,
			Capacity: 32,
		},
		Sockets: []SocketConfig{DefaultSocket()},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// DefaultSocket returns a socket section with default values.
func DefaultSocket() SocketConfig {
	return SocketConfig{
		Address:    "0.0.0.0:9000",
		QueueSize:  32,
		ReadBuffer: "64 KiB",
		SendBurst:  1,
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

	// Socket entries decode onto zero values
	cfg.applySocketDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applySocketDefaults() {
	def := DefaultSocket()
	for i := range c.Sockets {
		s := &c.Sockets[i]
		if s.QueueSize == 0 {
			s.QueueSize = def.QueueSize
		}
		if s.ReadBuffer == "" {
			s.ReadBuffer = def.ReadBuffer
		}
		if s.SendBurst == 0 {
			s.SendBurst = def.SendBurst
		}
	}
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

		// Handle default values: ${VAR:-default}
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

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Bus.Capacity < 1 {
		errs = append(errs, "bus.capacity must be positive")
	}

	if len(c.Sockets) == 0 {
		errs = append(errs, "at least one socket is required")
	}
	seen := make(map[string]int, len(c.Sockets))
	for i, s := range c.Sockets {
		if err := validateSocket(s); err != nil {
			errs = append(errs, fmt.Sprintf("sockets[%d]: %v", i, err))
		}
		if j, dup := seen[s.Address]; dup && s.Address != "" {
			errs = append(errs, fmt.Sprintf("sockets[%d]: address %s already used by sockets[%d]", i, s.Address, j))
		}
		seen[s.Address] = i
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
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

func validateSocket(s SocketConfig) error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if err := validateHostPort(s.Address); err != nil {
		return fmt.Errorf("invalid address %q: %w", s.Address, err)
	}
	if s.Remote != "" {
		if err := validateHostPort(s.Remote); err != nil {
			return fmt.Errorf("invalid remote %q: %w", s.Remote, err)
		}
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive")
	}
	if _, err := s.ReadBufferBytes(); err != nil {
		return err
	}
	if s.SendRate < 0 {
		return fmt.Errorf("send_rate must not be negative")
	}
	if s.SendBurst < 1 {
		return fmt.Errorf("send_burst must be positive")
	}
	if s.Multicast.Group != "" {
		group, err := netip.ParseAddr(s.Multicast.Group)
		if err != nil {
			return fmt.Errorf("invalid multicast.group %q", s.Multicast.Group)
		}
		if !group.IsMulticast() {
			return fmt.Errorf("multicast.group %s is not a multicast address", group)
		}
	}
	return nil
}

func validateHostPort(address string) error {
	_, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ReadBufferBytes parses ReadBuffer into a byte count.
func (s SocketConfig) ReadBufferBytes() (int, error) {
	n, err := humanize.ParseBytes(s.ReadBuffer)
	if err != nil {
		return 0, fmt.Errorf("invalid read_buffer %q: %w", s.ReadBuffer, err)
	}
	if n < 1 || n > maxReadBuffer {
		return 0, fmt.Errorf("read_buffer must be between 1 B and %s", humanize.IBytes(maxReadBuffer))
	}
	return int(n), nil
}

// ToUDPConfig converts the socket section into a udp.Config. Bus capacity and
// metrics are left for the caller.
func (s SocketConfig) ToUDPConfig() (udp.Config, error) {
	readBuffer, err := s.ReadBufferBytes()
	if err != nil {
		return udp.Config{}, err
	}

	return udp.Config{
		Address:        s.Address,
		Remote:         s.Remote,
		QueueSize:      s.QueueSize,
		ReadBufferSize: readBuffer,
		SendRate:       s.SendRate,
		SendBurst:      s.SendBurst,
		Multicast: udp.MulticastConfig{
			Group:     s.Multicast.Group,
			Interface: s.Multicast.Interface,
			Loopback:  s.Multicast.Loopback,
		},
	}, nil
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
