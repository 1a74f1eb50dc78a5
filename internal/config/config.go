// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"quik.toml",
	"configs/quik.toml",
}

// DefaultEventsPath is the reserved path browsers subscribe to for reload events.
const DefaultEventsPath = "/__quik/events"

const (
	defaultServerPort  = 8000
	defaultBackendPort = 8001
	defaultAdminPort   = 8002
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string   `kong:"short='c',help='Path to TOML config file.',env='QUIK_CONFIG'"`
	Host        string   `kong:"help='Public listen host (overrides config).',env='QUIK_HOST'"`
	Port        int      `kong:"short='p',help='Public listen port (overrides config).',env='QUIK_PORT'"`
	BackendPort int      `kong:"help='Backend application port (overrides config).',env='QUIK_BACKEND_PORT'"`
	LogLevel    string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Watch       []string `kong:"short='w',help='Template directory to watch for changes (repeatable, overrides config).'"`
	Command     []string `kong:"arg,optional,passthrough,help='Backend command to run (overrides config).'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Backend   BackendConfig   `toml:"backend"`
	Inject    InjectConfig    `toml:"inject"`
	Events    EventsConfig    `toml:"events"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Watch     WatchConfig     `toml:"watch"`
	Admin     AdminConfig     `toml:"admin"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the public listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
}

// BackendConfig describes the wrapped application server.
type BackendConfig struct {
	Host                  string   `toml:"host"`
	Port                  int      `toml:"port"`
	ConnectTimeoutSeconds int      `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int      `toml:"read_timeout_seconds"`
	Command               []string `toml:"command"`
	StopGraceSeconds      int      `toml:"stop_grace_seconds"`
}

// InjectConfig controls HTML rewriting.
type InjectConfig struct {
	MaxBufferBytes int64  `toml:"max_buffer_bytes"`
	EventsPath     string `toml:"events_path"`
}

// EventsConfig controls the reload event stream.
type EventsConfig struct {
	KeepAliveSeconds int `toml:"keepalive_seconds"`
	WriteTimeoutMs   int `toml:"write_timeout_ms"`
}

// WebSocketConfig controls the WebSocket tunnel.
type WebSocketConfig struct {
	HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
	CloseGraceMs            int `toml:"close_grace_ms"`
}

// WatchConfig controls the built-in file watcher.
type WatchConfig struct {
	Enabled    bool     `toml:"enabled"`
	Templates  []string `toml:"templates"`
	Static     []string `toml:"static"`
	DebounceMs int      `toml:"debounce_ms"`
}

// AdminConfig holds the admin API listener settings.
type AdminConfig struct {
	Enabled   bool            `toml:"enabled"`
	Host      string          `toml:"host"`
	Port      int             `toml:"port"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting on the admin API.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or QUIK_CONFIG), it searches
// quik.toml then configs/quik.toml, and falls back to defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	} else {
		cfg.Admin.Enabled = true
		cfg.Metrics.Enabled = true
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	serverSet, backendSet := cfg.Server.Port != 0, cfg.Backend.Port != 0
	cfg.setDefaults()
	if err := cfg.resolvePorts(serverSet, backendSet); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendPort != 0 {
		c.Backend.Port = cli.BackendPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.Watch) > 0 {
		c.Watch.Enabled = true
		c.Watch.Templates = cli.Watch
	}
	if len(cli.Command) > 0 {
		c.Backend.Command = cli.Command
	}
}

func (c *Config) validate() error {
	// Ports.
	for name, port := range map[string]int{
		"server.port":  c.Server.Port,
		"backend.port": c.Backend.Port,
		"admin.port":   c.Admin.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s must be 0–65535; got %d", name, port)
		}
	}

	// Numeric bounds.
	if c.Inject.MaxBufferBytes < 0 {
		return fmt.Errorf("inject.max_buffer_bytes must be non-negative; got %d", c.Inject.MaxBufferBytes)
	}
	if c.Backend.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("backend.connect_timeout_seconds must be non-negative; got %d", c.Backend.ConnectTimeoutSeconds)
	}
	if c.Backend.ReadTimeoutSeconds < 0 {
		return fmt.Errorf("backend.read_timeout_seconds must be non-negative; got %d", c.Backend.ReadTimeoutSeconds)
	}
	if c.Backend.StopGraceSeconds < 0 {
		return fmt.Errorf("backend.stop_grace_seconds must be non-negative; got %d", c.Backend.StopGraceSeconds)
	}
	if c.Events.KeepAliveSeconds < 0 {
		return fmt.Errorf("events.keepalive_seconds must be non-negative; got %d", c.Events.KeepAliveSeconds)
	}
	if c.Events.WriteTimeoutMs < 0 {
		return fmt.Errorf("events.write_timeout_ms must be non-negative; got %d", c.Events.WriteTimeoutMs)
	}
	if c.WebSocket.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("websocket.handshake_timeout_seconds must be non-negative; got %d", c.WebSocket.HandshakeTimeoutSeconds)
	}
	if c.WebSocket.CloseGraceMs < 0 {
		return fmt.Errorf("websocket.close_grace_ms must be non-negative; got %d", c.WebSocket.CloseGraceMs)
	}
	if c.Watch.DebounceMs < 0 {
		return fmt.Errorf("watch.debounce_ms must be non-negative; got %d", c.Watch.DebounceMs)
	}
	if c.Admin.RateLimit.Enabled && c.Admin.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Admin.RateLimit.RequestsPerSecond)
	}

	// Events path must be an absolute request path without a query.
	if p := c.Inject.EventsPath; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("inject.events_path must start with '/'; got %q", p)
		}
		if strings.ContainsAny(p, "?# ") {
			return fmt.Errorf("inject.events_path must be a plain path; got %q", p)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/status", "/reload"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = defaultBackendPort
	}
	if c.Backend.ConnectTimeoutSeconds == 0 {
		c.Backend.ConnectTimeoutSeconds = 5
	}
	if c.Backend.ReadTimeoutSeconds == 0 {
		c.Backend.ReadTimeoutSeconds = 120
	}
	if c.Backend.StopGraceSeconds == 0 {
		c.Backend.StopGraceSeconds = 5
	}
	if c.Inject.MaxBufferBytes == 0 {
		c.Inject.MaxBufferBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Inject.EventsPath == "" {
		c.Inject.EventsPath = DefaultEventsPath
	}
	if c.Events.KeepAliveSeconds == 0 {
		c.Events.KeepAliveSeconds = 15
	}
	if c.Events.WriteTimeoutMs == 0 {
		c.Events.WriteTimeoutMs = 2000
	}
	if c.WebSocket.HandshakeTimeoutSeconds == 0 {
		c.WebSocket.HandshakeTimeoutSeconds = 10
	}
	if c.WebSocket.CloseGraceMs == 0 {
		c.WebSocket.CloseGraceMs = 1000
	}
	if c.Watch.DebounceMs == 0 {
		c.Watch.DebounceMs = 500
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = defaultAdminPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// resolvePorts runs after defaults are filled in. When a single explicit port
// lands on the other listener's default, the two defaults trade places, so
// `quik -p 8001` proxies to 8000. Any remaining overlap is an error.
func (c *Config) resolvePorts(serverSet, backendSet bool) error {
	if c.Server.Port == c.Backend.Port {
		switch {
		case serverSet && !backendSet:
			c.Backend.Port = defaultServerPort
		case backendSet && !serverSet:
			c.Server.Port = defaultBackendPort
		default:
			return fmt.Errorf("server.port and backend.port must differ; both are %d", c.Server.Port)
		}
	}
	if c.Admin.Enabled {
		for name, port := range map[string]int{"server.port": c.Server.Port, "backend.port": c.Backend.Port} {
			if c.Admin.Port == port {
				return fmt.Errorf("admin.port must differ from %s; both are %d", name, port)
			}
		}
	}
	return nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		} else if !errors.Is(err, fs.ErrNotExist) {
			// Unreadable candidates are surfaced by Load's ReadFile.
			return p
		}
	}
	return ""
}

// Addr returns the public listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the backend address as host:port.
func (c *BackendConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ConnectTimeout returns the backend dial timeout.
func (c *BackendConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout returns the backend idle read timeout.
func (c *BackendConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// KeepAlive returns the interval between SSE keep-alive comments.
func (c *EventsConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// WriteTimeout returns the per-write deadline for SSE subscribers.
func (c *EventsConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// HandshakeTimeout returns the backend WebSocket handshake timeout.
func (c *WebSocketConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// CloseGrace returns how long the second tunnel direction may run after the first ends.
func (c *WebSocketConfig) CloseGrace() time.Duration {
	return time.Duration(c.CloseGraceMs) * time.Millisecond
}

// StopGrace returns how long the backend process gets to exit before it is killed.
func (c *BackendConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// Debounce returns the quiet period that coalesces bursts of file events.
func (c *WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// FilePath returns the config file the configuration was loaded from, if any.
func (c *Config) FilePath() string {
	return c.filePath
}
