// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/creasty/defaults"
	toml "github.com/pelletier/go-toml/v2"
	"go.yaml.in/yaml/v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/agent-proxy/config.toml",
	"configs/config.toml",
}

// reservedRoutes cannot be used as backend routes or as the metrics path.
var reservedRoutes = []string{"/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string           `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host      string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat string           `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
	Version   kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig    `toml:"server" yaml:"server"`
	Upstream UpstreamConfig  `toml:"upstream" yaml:"upstream"`
	Backends []BackendConfig `toml:"backends" yaml:"backends"`
	AWS      AWSConfig       `toml:"aws" yaml:"aws"`
	Log      LogConfig       `toml:"log" yaml:"log"`
	Metrics  MetricsConfig   `toml:"metrics" yaml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host" yaml:"host" default:"0.0.0.0"`
	Port         int    `toml:"port" yaml:"port" default:"8000"` // 0 means "use default"
	BodyMaxBytes int64  `toml:"body_max_bytes" yaml:"body_max_bytes" default:"10485760"`
}

// UpstreamConfig holds settings shared by every outbound call.
type UpstreamConfig struct {
	TimeoutSeconds   int      `toml:"timeout_seconds" yaml:"timeout_seconds" default:"120"`
	IdleConnections  int      `toml:"idle_connections" yaml:"idle_connections" default:"100"`
	ResponseMaxBytes int64    `toml:"response_max_bytes" yaml:"response_max_bytes" default:"10485760"`
	AllowedHosts     []string `toml:"allowed_hosts" yaml:"allowed_hosts"`
}

// BackendConfig describes one function backend and the inbound route that fronts it.
// URL and key are resolved per request: environment first, then the literal
// values below, then SSM for the key.
type BackendConfig struct {
	Name            string `toml:"name" yaml:"name"`
	Route           string `toml:"route" yaml:"route"`
	URLEnv          string `toml:"url_env" yaml:"url_env"`
	KeyEnv          string `toml:"key_env" yaml:"key_env"`
	URL             string `toml:"url" yaml:"url"`
	Key             string `toml:"key" yaml:"key"`
	KeySSMParameter string `toml:"key_ssm_parameter" yaml:"key_ssm_parameter"`
	PostEndpoint    string `toml:"post_endpoint" yaml:"post_endpoint" default:"agent"`
	GetEndpoint     string `toml:"get_endpoint" yaml:"get_endpoint" default:"health"`
}

// AWSConfig holds settings for the SSM key store.
type AWSConfig struct {
	Region string `toml:"region" yaml:"region"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level" default:"info"`
	Format string `toml:"format" yaml:"format" default:"json"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path" default:"/metrics"`
}

// DefaultBackend mirrors the single agent route the proxy serves when no
// backends are configured.
func DefaultBackend() BackendConfig {
	return BackendConfig{
		Name:   "agent",
		Route:  "/api/agent",
		URLEnv: "AGENT_FUNCTION_URL",
		KeyEnv: "AGENT_FUNCTION_KEY",
	}
}

// Load reads the config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/agent-proxy/config.toml then configs/config.toml. If nothing is found
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// decodeFile picks the decoder from the file extension; anything other than
// .yaml/.yml is treated as TOML.
func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

// setDefaults fills zero-valued fields from the `default` struct tags.
// Zero means "unset": an explicit port = 0 in the file results in port 8000.
func (c *Config) setDefaults() error {
	if len(c.Backends) == 0 {
		c.Backends = []BackendConfig{DefaultBackend()}
	}
	if err := defaults.Set(&c.Server); err != nil {
		return err
	}
	if err := defaults.Set(&c.Upstream); err != nil {
		return err
	}
	if err := defaults.Set(&c.Log); err != nil {
		return err
	}
	if err := defaults.Set(&c.Metrics); err != nil {
		return err
	}
	for i := range c.Backends {
		if err := defaults.Set(&c.Backends[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.ResponseMaxBytes < 0 {
		return fmt.Errorf("upstream.response_max_bytes must be non-negative; got %d", c.Upstream.ResponseMaxBytes)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	reserved := append([]string(nil), reservedRoutes...)
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, r := range reservedRoutes {
			if p == r {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
		reserved = append(reserved, p)
	}

	return c.validateBackends(reserved)
}

func (c *Config) validateBackends(reserved []string) error {
	names := make(map[string]bool, len(c.Backends))
	routes := make(map[string]bool, len(c.Backends))

	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("backends[%d].name %q is duplicated", i, b.Name)
		}
		names[b.Name] = true

		if b.Route == "" || b.Route[0] != '/' {
			return fmt.Errorf("backend %q: route must start with '/'; got %q", b.Name, b.Route)
		}
		if routes[b.Route] {
			return fmt.Errorf("backend %q: route %q is already used by another backend", b.Name, b.Route)
		}
		routes[b.Route] = true
		for _, r := range reserved {
			if b.Route == r {
				return fmt.Errorf("backend %q: route %q conflicts with reserved route", b.Name, b.Route)
			}
		}

		if b.URLEnv == "" && b.URL == "" {
			return fmt.Errorf("backend %q: one of url_env or url is required", b.Name)
		}
		if b.KeyEnv == "" && b.Key == "" && b.KeySSMParameter == "" {
			return fmt.Errorf("backend %q: one of key_env, key or key_ssm_parameter is required", b.Name)
		}
		if strings.Contains(b.PostEndpoint, "/") || strings.Contains(b.GetEndpoint, "/") {
			return fmt.Errorf("backend %q: default endpoints must be a single path segment", b.Name)
		}
	}
	return nil
}

// UsesSSM reports whether any backend may resolve its key from SSM.
func (c *Config) UsesSSM() bool {
	for _, b := range c.Backends {
		if b.KeySSMParameter != "" {
			return true
		}
	}
	return false
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
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry backend keys.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
