// Package config provides configuration parsing and validation for handlemesh.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/handlemesh/internal/identity"
	"github.com/postalsys/handlemesh/internal/logging"
	"github.com/postalsys/handlemesh/internal/protocol"
)

// Config represents the complete node configuration.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Listeners []ListenerConfig `yaml:"listeners"`
	Peers     []PeerConfig     `yaml:"peers"`
	Links     LinksConfig      `yaml:"links"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Exports   []ExportConfig   `yaml:"exports"`
	Forwards  []ForwardConfig  `yaml:"forwards"`
	Health    HealthConfig     `yaml:"health"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	ID        string `yaml:"id"`         // "auto" or hex string
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // quic, ws, tcp
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"`      // HTTP path for ws
	PlainText bool      `yaml:"plaintext"` // tcp and ws only
	TLS       TLSConfig `yaml:"tls"`
}

// PeerConfig defines a peer connection.
type PeerConfig struct {
	ID         string    `yaml:"id"` // expected NodeID, empty accepts any
	Transport  string    `yaml:"transport"`
	Address    string    `yaml:"address"`
	PlainText  bool      `yaml:"plaintext"`
	Persistent *bool     `yaml:"persistent"` // redial when the link ends, default true
	Proxy      string    `yaml:"proxy"`      // HTTP proxy for ws
	ProxyAuth  ProxyAuth `yaml:"proxy_auth"`
	TLS        TLSConfig `yaml:"tls"`
}

// IsPersistent reports whether the peer should be redialed.
func (p PeerConfig) IsPersistent() bool {
	return p.Persistent == nil || *p.Persistent
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	Cert               string `yaml:"cert"`      // Certificate file path
	Key                string `yaml:"key"`       // Private key file path
	CA                 string `yaml:"ca"`        // CA certificate file path
	ClientCA           string `yaml:"client_ca"` // Client CA for mTLS
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	SelfSigned         bool   `yaml:"self_signed"` // generate an ephemeral certificate (dev only)
}

// HasCertAndKey reports whether both a certificate and a key are configured.
func (t TLSConfig) HasCertAndKey() bool {
	return t.Cert != "" && t.Key != ""
}

// ProxyAuth defines proxy authentication.
type ProxyAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LinksConfig tunes node-to-node links.
type LinksConfig struct {
	HandshakeTimeout     time.Duration   `yaml:"handshake_timeout"`
	ConnectTimeout       time.Duration   `yaml:"connect_timeout"`
	KeepaliveInterval    time.Duration   `yaml:"keepalive_interval"`
	StreamBuffer         int             `yaml:"stream_buffer"`
	CompressionThreshold int             `yaml:"compression_threshold"` // 0 disables
	MaxBytesPerSecond    int64           `yaml:"max_bytes_per_second"`  // 0 is unlimited
	TransferTimeout      time.Duration   `yaml:"transfer_timeout"`
	Reconnect            ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// ProxyConfig tunes proxy sessions.
type ProxyConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
}

// ExportConfig publishes a local TCP service under a name.
type ExportConfig struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"` // host:port dialed per connection
}

// ForwardConfig listens locally and connects each accepted connection to a
// service exported by a peer.
type ForwardConfig struct {
	Listen  string `yaml:"listen"`
	Peer    string `yaml:"peer"` // NodeID of the exporting node
	Service string `yaml:"service"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MinLinks     int           `yaml:"min_links"` // links required before /ready reports ready
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:        "auto",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listeners: []ListenerConfig{},
		Peers:     []PeerConfig{},
		Links: LinksConfig{
			HandshakeTimeout:     10 * time.Second,
			ConnectTimeout:       30 * time.Second,
			KeepaliveInterval:    30 * time.Second,
			StreamBuffer:         64,
			CompressionThreshold: 1024,
			TransferTimeout:      30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Proxy: ProxyConfig{
			ChannelCapacity: 16,
		},
		Exports:  []ExportConfig{},
		Forwards: []ForwardConfig{},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
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
	expanded := expandEnvVars(string(data))

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
		return match
	})
}

// Validate checks the configuration for errors. Every problem is reported.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if c.Node.ID != "" && c.Node.ID != "auto" {
		if _, err := identity.ParseNodeID(c.Node.ID); err != nil {
			errs = append(errs, fmt.Sprintf("node.id: %v", err))
		}
	}
	if _, err := logging.ParseLevel(c.Node.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !logging.ValidFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
		}
	}

	for i, p := range c.Peers {
		if err := validatePeer(p); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if c.Links.HandshakeTimeout <= 0 {
		errs = append(errs, "links.handshake_timeout must be positive")
	}
	if c.Links.StreamBuffer < 1 {
		errs = append(errs, "links.stream_buffer must be positive")
	}
	if c.Links.CompressionThreshold < 0 {
		errs = append(errs, "links.compression_threshold must not be negative")
	}
	if c.Links.MaxBytesPerSecond < 0 {
		errs = append(errs, "links.max_bytes_per_second must not be negative")
	}
	if r := c.Links.Reconnect; r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay || r.Multiplier < 1 {
		errs = append(errs, "links.reconnect: need initial_delay > 0, max_delay >= initial_delay, multiplier >= 1")
	}
	if c.Proxy.ChannelCapacity < 1 {
		errs = append(errs, "proxy.channel_capacity must be positive")
	}

	names := make(map[string]bool)
	for i, e := range c.Exports {
		if err := validateExport(e); err != nil {
			errs = append(errs, fmt.Sprintf("exports[%d]: %v", i, err))
		}
		if names[e.Name] {
			errs = append(errs, fmt.Sprintf("exports[%d]: duplicate name %q", i, e.Name))
		}
		names[e.Name] = true
	}

	for i, f := range c.Forwards {
		if err := validateForward(f); err != nil {
			errs = append(errs, fmt.Sprintf("forwards[%d]: %v", i, err))
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Health.MinLinks < 0 {
		errs = append(errs, "health.min_links must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidTransport(transport string) bool {
	switch transport {
	case "quic", "ws", "tcp":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, ws, or tcp)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.PlainText {
		if l.Transport == "quic" {
			return fmt.Errorf("plaintext is not supported by quic")
		}
		return nil
	}
	if !l.TLS.HasCertAndKey() && !l.TLS.SelfSigned {
		return fmt.Errorf("tls.cert and tls.key are required (or tls.self_signed)")
	}
	return nil
}

func validatePeer(p PeerConfig) error {
	if p.ID != "" {
		if _, err := identity.ParseNodeID(p.ID); err != nil {
			return fmt.Errorf("id: %w", err)
		}
	}
	if !isValidTransport(p.Transport) {
		return fmt.Errorf("invalid transport: %s (must be quic, ws, or tcp)", p.Transport)
	}
	if p.Address == "" {
		return fmt.Errorf("address is required")
	}
	if p.PlainText && p.Transport == "quic" {
		return fmt.Errorf("plaintext is not supported by quic")
	}
	if p.Proxy != "" && p.Transport != "ws" {
		return fmt.Errorf("proxy is only supported by ws")
	}
	return nil
}

func validateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name is required")
	}
	if len(name) > protocol.MaxServiceNameLength {
		return fmt.Errorf("service name longer than %d bytes", protocol.MaxServiceNameLength)
	}
	return nil
}

func validateExport(e ExportConfig) error {
	if err := validateServiceName(e.Name); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(e.Target); err != nil {
		return fmt.Errorf("invalid target %q: %w", e.Target, err)
	}
	return nil
}

func validateForward(f ForwardConfig) error {
	if _, _, err := net.SplitHostPort(f.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", f.Listen, err)
	}
	if f.Peer == "" {
		return fmt.Errorf("peer is required")
	}
	if _, err := identity.ParseNodeID(f.Peer); err != nil {
		return fmt.Errorf("peer: %w", err)
	}
	return validateServiceName(f.Service)
}

// String returns a string representation of the config with sensitive
// values redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Peers {
		if redacted.Peers[i].ProxyAuth.Password != "" {
			redacted.Peers[i].ProxyAuth.Password = redactedValue
		}
		if redacted.Peers[i].TLS.Key != "" {
			redacted.Peers[i].TLS.Key = redactedValue
		}
	}
	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
	}

	return redacted
}

// Example returns a commented example configuration.
func Example() string {
	return `# handlemesh configuration
node:
  id: auto
  data_dir: ./data
  log_level: info
  log_format: text

listeners:
  - transport: quic
    address: 0.0.0.0:4433
    tls:
      self_signed: true

peers: []
#  - id: 0123456789abcdef0123456789abcdef
#    transport: quic
#    address: peer.example.com:4433
#    tls:
#      insecure_skip_verify: true

links:
  handshake_timeout: 10s
  keepalive_interval: 30s
  compression_threshold: 1024

exports: []
#  - name: ssh
#    target: 127.0.0.1:22

forwards: []
#  - listen: 127.0.0.1:2222
#    peer: 0123456789abcdef0123456789abcdef
#    service: ssh

health:
  enabled: true
  address: 127.0.0.1:8080
  # min_links: 1
`
}
