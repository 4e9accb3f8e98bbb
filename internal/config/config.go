// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/readonly-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Notice   NoticeConfig   `toml:"notice"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting in the server shell.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream target and connection settings. Scheme is
// always https and is not configurable.
type UpstreamConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	APIPrefix       string `toml:"api_prefix"`
	TimeoutMS       int    `toml:"timeout_ms"`
	IdleConnections int    `toml:"idle_connections"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
}

// NoticeConfig holds the static attribution strings injected into responses.
type NoticeConfig struct {
	Readme  string `toml:"readme"`
	Authors string `toml:"authors"`
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
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/readonly-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// Validate checks the configuration before defaults are applied. Zero-valued
// numeric fields are allowed here because they mean "use default".
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(func(any) error {
			return validation.ValidateStruct(&c.Server,
				validation.Field(&c.Server.Port, validation.Min(0), validation.Max(65535)),
				validation.Field(&c.Server.BodyMaxBytes, validation.Min(int64(0))),
				validation.Field(&c.Server.RateLimit, validation.By(func(any) error {
					rl := &c.Server.RateLimit
					if rl.Enabled && rl.RequestsPerSecond <= 0 {
						return validation.NewError("validation_rate_limit",
							"requests_per_second must be > 0 when rate limiting is enabled")
					}
					return nil
				})),
			)
		})),
		validation.Field(&c.Upstream, validation.By(func(any) error {
			return validation.ValidateStruct(&c.Upstream,
				validation.Field(&c.Upstream.Host,
					validation.Required.Error("upstream.host is required"),
					is.Host,
				),
				validation.Field(&c.Upstream.Port, validation.Min(0), validation.Max(65535)),
				validation.Field(&c.Upstream.APIPrefix, validation.By(leadingSlash("upstream.api_prefix"))),
				validation.Field(&c.Upstream.TimeoutMS, validation.Min(0)),
				validation.Field(&c.Upstream.IdleConnections, validation.Min(0)),
				validation.Field(&c.Upstream.MaxBodyBytes, validation.Min(int64(0))),
			)
		})),
		validation.Field(&c.Log, validation.By(func(any) error {
			return validation.ValidateStruct(&c.Log,
				validation.Field(&c.Log.Level,
					validation.In("", "debug", "info", "warn", "error").
						Error("must be one of: debug, info, warn, error"),
				),
				validation.Field(&c.Log.Format,
					validation.In("", "json", "text").Error("must be one of: json, text"),
				),
			)
		})),
		validation.Field(&c.Metrics, validation.By(func(any) error {
			if !c.Metrics.Enabled || c.Metrics.Path == "" {
				return nil
			}
			if err := leadingSlash("metrics.path")(c.Metrics.Path); err != nil {
				return err
			}
			// The metrics path shadows proxying of the same upstream path,
			// so the root metadata route must stay untouched.
			if c.Metrics.Path == "/" {
				return validation.NewError("validation_metrics_path",
					"metrics.path must not be the root path")
			}
			return nil
		})),
	)
}

// leadingSlash validates that a non-empty string path starts with '/'.
func leadingSlash(name string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != "" && !strings.HasPrefix(s, "/") {
			return validation.NewError("validation_path", name+" must start with '/'")
		}
		return nil
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MiB; inbound requests are GET-only
	}
	if c.Upstream.Port == 0 {
		c.Upstream.Port = 443
	}
	if c.Upstream.APIPrefix == "" {
		c.Upstream.APIPrefix = "/api/1"
	}
	if c.Upstream.TimeoutMS == 0 {
		c.Upstream.TimeoutMS = 5000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 10 * 1024 * 1024 // 10 MiB
	}
	if c.Notice.Readme == "" {
		c.Notice.Readme = "This is a readonly proxy. See the project README for usage and limits."
	}
	if c.Notice.Authors == "" {
		c.Notice.Authors = "readonly-proxy-go maintainers"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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
