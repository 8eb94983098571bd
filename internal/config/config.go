// Package config handles Switchboard configuration loading.
//
// A config document names every tool server under "mcpServers" and may
// carry optional sections for the model backend, timeouts, health
// checks, logging, the usage ledger, MQTT telemetry, and the status API.
// The document format is chosen by file extension: JSON (default), YAML,
// or TOML. Environment references such as ${HOME} are expanded before
// parsing.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// DefaultConfigName is the config file looked up next to the executable
// when no explicit path is given.
const DefaultConfigName = "servers_config.json"

// APIKeyEnv is the environment variable holding the model backend credential.
const APIKeyEnv = "ANTHROPIC_API_KEY"

// BaseURLEnv optionally overrides the model backend endpoint.
const BaseURLEnv = "ANTHROPIC_BASE_URL"

// ErrNoServers is returned by Validate when the config names no servers.
var ErrNoServers = errors.New("config defines no servers under mcpServers")

// DefaultPath returns the config path used when none is given on the
// command line: DefaultConfigName in the executable's directory.
func DefaultPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), DefaultConfigName), nil
}

// FindConfig resolves the config path. An explicit path must exist;
// otherwise DefaultPath is used and must exist.
func FindConfig(explicit string) (string, error) {
	path := explicit
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return "", err
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("config file not found: %s", path)
	}
	return path, nil
}

// Config holds all Switchboard configuration.
type Config struct {
	// Servers lists the tool servers in declaration order.
	Servers []ServerConfig

	Model     ModelConfig
	Timeouts  TimeoutConfig
	Health    HealthConfig
	LogLevel  string
	LogFormat string
	Usage     UsageConfig
	MQTT      MQTTConfig
	Status    StatusConfig
}

// ServerConfig describes one tool server. Either Command (spawned over
// stdio) or URL (attached over HTTP or WebSocket) must be set.
type ServerConfig struct {
	// Name is the key under mcpServers. It is filled in by Load.
	Name string `json:"-" yaml:"-" toml:"-"`

	Command string            `json:"command" yaml:"command" toml:"command"`
	Args    []string          `json:"args" yaml:"args" toml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env" toml:"env"`

	// URL attaches to an already running server: http(s):// uses
	// JSON-RPC over POST, ws(s):// uses a WebSocket.
	URL     string            `json:"url,omitempty" yaml:"url" toml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers" toml:"headers"`

	// Detach starts the subprocess in its own process group instead of
	// tying its lifetime to Switchboard.
	Detach bool `json:"detach,omitempty" yaml:"detach" toml:"detach"`

	// IncludeTools, when non-empty, limits registration to these tools.
	IncludeTools []string `json:"include_tools,omitempty" yaml:"include_tools" toml:"include_tools"`
	// ExcludeTools skips these tools. Ignored when IncludeTools is set.
	ExcludeTools []string `json:"exclude_tools,omitempty" yaml:"exclude_tools" toml:"exclude_tools"`
}

// Transport returns "stdio", "http", or "websocket".
func (s ServerConfig) Transport() string {
	if s.URL == "" {
		return "stdio"
	}
	if strings.HasPrefix(s.URL, "ws://") || strings.HasPrefix(s.URL, "wss://") {
		return "websocket"
	}
	return "http"
}

// EnvList renders Env as KEY=VALUE pairs for exec.Cmd.
func (s ServerConfig) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}

// ModelConfig configures the model backend.
type ModelConfig struct {
	Name         string `json:"name" yaml:"name" toml:"name"`
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt" toml:"system_prompt"`
}

// TimeoutConfig bounds every blocking step of a session.
type TimeoutConfig struct {
	// Handshake bounds initialize and tools/list per server.
	Handshake Duration `json:"handshake" yaml:"handshake" toml:"handshake"`
	// Call bounds a single capability invocation.
	Call Duration `json:"call" yaml:"call" toml:"call"`
	// Model bounds a single backend request.
	Model Duration `json:"model" yaml:"model" toml:"model"`
	// ShutdownGrace bounds how long closing a connection may wait for
	// an in-flight invocation before the subprocess is killed.
	ShutdownGrace Duration `json:"shutdown_grace" yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// HealthConfig controls periodic ping of connected servers.
type HealthConfig struct {
	// Interval between pings. Zero disables health checks.
	Interval Duration `json:"interval" yaml:"interval" toml:"interval"`
	// Timeout bounds each ping.
	Timeout Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// UsageConfig enables the SQLite usage ledger.
type UsageConfig struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Configured reports whether the ledger is enabled.
func (u UsageConfig) Configured() bool { return u.Path != "" }

// MQTTConfig enables status telemetry over MQTT.
type MQTTConfig struct {
	Broker          string   `json:"broker" yaml:"broker" toml:"broker"`
	Username        string   `json:"username" yaml:"username" toml:"username"`
	Password        string   `json:"password" yaml:"password" toml:"password"`
	DeviceName      string   `json:"device_name" yaml:"device_name" toml:"device_name"`
	DiscoveryPrefix string   `json:"discovery_prefix" yaml:"discovery_prefix" toml:"discovery_prefix"`
	PublishInterval Duration `json:"publish_interval" yaml:"publish_interval" toml:"publish_interval"`
}

// Configured reports whether a broker is set.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// StatusConfig enables the read-only status API.
type StatusConfig struct {
	Listen string `json:"listen" yaml:"listen" toml:"listen"`
}

// Configured reports whether the status API is enabled.
func (s StatusConfig) Configured() bool { return s.Listen != "" }

// Duration is a time.Duration that reads from strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for JSON, YAML and TOML.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default values applied by Load for unset fields.
const (
	DefaultModel         = "claude-sonnet-4-20250514"
	DefaultMaxTokens     = 4096
	DefaultHandshake     = 30 * time.Second
	DefaultCallTimeout   = 60 * time.Second
	DefaultModelTimeout  = 120 * time.Second
	DefaultShutdownGrace = 5 * time.Second
	DefaultHealthTimeout = 10 * time.Second
	DefaultMQTTInterval  = 60 * time.Second
	DefaultDeviceName    = "switchboard"
	DefaultDiscovery     = "homeassistant"
)

// Load reads, parses, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, formatFor(path))
}

// Parse decodes a config document in the given format ("json", "yaml",
// or "toml"), applies defaults, and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var (
		doc   document
		order []string
		err   error
	)
	switch format {
	case "yaml":
		order, err = decodeYAML(expanded, &doc)
	case "toml":
		order, err = decodeTOML(expanded, &doc)
	case "json":
		order, err = decodeJSON(expanded, &doc)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s config: %w", format, err)
	}

	cfg := doc.config(order)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// formatFor picks the document format from the file extension.
func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

// document is the on-disk shape shared by all three formats.
type document struct {
	MCPServers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers" toml:"mcpServers"`
	Model      ModelConfig             `json:"model" yaml:"model" toml:"model"`
	Timeouts   TimeoutConfig           `json:"timeouts" yaml:"timeouts" toml:"timeouts"`
	Health     HealthConfig            `json:"health" yaml:"health" toml:"health"`
	LogLevel   string                  `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat  string                  `json:"log_format" yaml:"log_format" toml:"log_format"`
	Usage      UsageConfig             `json:"usage" yaml:"usage" toml:"usage"`
	MQTT       MQTTConfig              `json:"mqtt" yaml:"mqtt" toml:"mqtt"`
	Status     StatusConfig            `json:"status" yaml:"status" toml:"status"`
}

// config flattens the document, ordering servers by order. Names
// missing from order (which only happens if a decoder could not report
// key order) are appended in sorted order so the result is stable.
func (d *document) config(order []string) *Config {
	cfg := &Config{
		Model:     d.Model,
		Timeouts:  d.Timeouts,
		Health:    d.Health,
		LogLevel:  d.LogLevel,
		LogFormat: d.LogFormat,
		Usage:     d.Usage,
		MQTT:      d.MQTT,
		Status:    d.Status,
	}

	seen := make(map[string]bool, len(d.MCPServers))
	for _, name := range order {
		s, ok := d.MCPServers[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		s.Name = name
		cfg.Servers = append(cfg.Servers, s)
	}
	var rest []string
	for name := range d.MCPServers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	for _, name := range rest {
		s := d.MCPServers[name]
		s.Name = name
		cfg.Servers = append(cfg.Servers, s)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model.Name == "" {
		c.Model.Name = DefaultModel
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = DefaultMaxTokens
	}
	if c.Timeouts.Handshake <= 0 {
		c.Timeouts.Handshake = Duration(DefaultHandshake)
	}
	if c.Timeouts.Call <= 0 {
		c.Timeouts.Call = Duration(DefaultCallTimeout)
	}
	if c.Timeouts.Model <= 0 {
		c.Timeouts.Model = Duration(DefaultModelTimeout)
	}
	if c.Timeouts.ShutdownGrace <= 0 {
		c.Timeouts.ShutdownGrace = Duration(DefaultShutdownGrace)
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = Duration(DefaultHealthTimeout)
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscovery
	}
	if c.MQTT.PublishInterval <= 0 {
		c.MQTT.PublishInterval = Duration(DefaultMQTTInterval)
	}
	c.Usage.Path = expandHome(c.Usage.Path)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the config for errors that would make a session
// impossible to start. All problems are reported together.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	var errs []error
	for _, s := range c.Servers {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", s.Name, err))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Health.Interval < 0 {
		errs = append(errs, fmt.Errorf("health.interval must not be negative"))
	}
	if c.MQTT.Configured() {
		if _, err := url.Parse(c.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s ServerConfig) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("empty server name")
	}
	if s.URL != "" {
		if s.Command != "" {
			return fmt.Errorf("command and url are mutually exclusive")
		}
		u, err := url.Parse(s.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
		return nil
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("missing command")
	}
	if s.Args == nil {
		return fmt.Errorf("missing args")
	}
	return nil
}

// decodeJSON decodes data into doc and returns the mcpServers key order.
func decodeJSON(data []byte, doc *document) ([]string, error) {
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	var raw struct {
		MCPServers json.RawMessage `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if len(raw.MCPServers) == 0 {
		return nil, nil
	}
	return jsonObjectKeys(raw.MCPServers)
}
