// Package config handles loading and validating yas configuration.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/yas/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// DefaultBase is the location tool references are resolved against when
// neither YAS_BASE nor the config file names one.
const DefaultBase = "https://oh.yas.tools"

// Config is the root configuration for yas.
type Config struct {
	Base          string               `json:"base,omitempty" yaml:"base,omitempty"` // Tool base URL. Override: YAS_BASE env var.
	Home          string               `json:"home,omitempty" yaml:"home,omitempty"` // Data directory. Default: <XDG data home>/yas.tools. Override: YAS_HOME env var.
	Log           LogConfig            `json:"log" yaml:"log"`
	Fetch         FetchConfig          `json:"fetch" yaml:"fetch"`
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	History       *HistoryConfig       `json:"history,omitempty" yaml:"history,omitempty"`             // nil = runs are not recorded
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info", "warn" (default) or "error". Override: YAS_LOG_LEVEL.
	Format string `json:"format" yaml:"format"` // "text" (default) or "json".
}

// SlogLevel returns the configured level, defaulting to warn.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// NewLogger builds a logger writing to w in the configured format.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// FetchConfig configures the HTTP client used to retrieve tools.
type FetchConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // 0 = no timeout.
	UserAgent      string `json:"user_agent" yaml:"user_agent"`           // Default: "yas/<version>".
	MaxBodyBytes   int64  `json:"max_body_bytes" yaml:"max_body_bytes"`   // 0 = unlimited.
}

// Timeout returns the whole-request timeout.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// CacheConfig configures the persistent HTTP cache.
type CacheConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"` // Bypass the cache entirely.
	Strict   bool `json:"strict" yaml:"strict"`     // Fail a run when the cache cannot be written.
}

// SandboxConfig configures the script evaluator.
type SandboxConfig struct {
	Capabilities   []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`   // Empty = default grant. Override: YAS_CAPABILITIES (comma separated).
	MaxSteps       int64    `json:"max_steps" yaml:"max_steps"`                             // 0 = 10,000,000.
	AllowedHosts   []string `json:"allowed_hosts,omitempty" yaml:"allowed_hosts,omitempty"` // Hosts for http and load. Empty = the base host.
	MaxOutputBytes int      `json:"max_output_bytes" yaml:"max_output_bytes"`               // print() cap. 0 = 1 MB.
}

// ParsedCapabilities returns the configured grant, or nil for the default.
func (s SandboxConfig) ParsedCapabilities() ([]sandbox.Capability, error) {
	if len(s.Capabilities) == 0 {
		return nil, nil
	}
	return sandbox.ParseCapabilities(s.Capabilities)
}

// HistoryConfig configures the run history store.
type HistoryConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Driver   string          `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// HistoryDriver returns the configured driver, defaulting to "sqlite".
func (h *HistoryConfig) HistoryDriver() string {
	if h != nil && h.Driver != "" {
		return h.Driver
	}
	return "sqlite"
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <home>/yas.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 5
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 1
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 300
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	File    string `json:"file,omitempty" yaml:"file,omitempty"` // Text exposition file written after each run.
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "yas"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path
// (<XDG config home>/yas/config.yaml).
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "yas", "config.yaml")
}

// Default returns the configuration used when no file is present, with
// environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyEnv()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() {
	c.Base = EnvOr("YAS_BASE", c.Base)
	c.Home = EnvOr("YAS_HOME", c.Home)
	c.Log.Level = EnvOr("YAS_LOG_LEVEL", c.Log.Level)
	if caps := EnvOr("YAS_CAPABILITIES", ""); caps != "" {
		c.Sandbox.Capabilities = strings.Split(caps, ",")
	}
}

// EnvOr returns the value of key, or def when key is unset or empty.
func EnvOr(key, def string) string {
	if v := goutils.Env(key, def); v != "" {
		return v
	}
	return def
}

// ResolvedHome returns the configured home directory with ~ expanded, or ""
// when none is configured.
func (c *Config) ResolvedHome() string {
	if c.Home == "" {
		return ""
	}
	resolved, err := resolvePath(c.Home)
	if err != nil {
		return c.Home
	}
	return resolved
}

// MetricsEnabled reports whether metrics are collected.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

// TracingEnabled reports whether spans are exported.
func (c *Config) TracingEnabled() bool {
	return c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled
}

// HistoryEnabled reports whether runs are recorded.
func (c *Config) HistoryEnabled() bool {
	return c.History != nil && c.History.Enabled
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Validate checks limits, capability names and drivers.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported (use text or json)", c.Log.Format)
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return fmt.Errorf("fetch.timeout_seconds must not be negative")
	}
	if c.Fetch.MaxBodyBytes < 0 {
		return fmt.Errorf("fetch.max_body_bytes must not be negative")
	}
	if c.Sandbox.MaxSteps < 0 {
		return fmt.Errorf("sandbox.max_steps must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if _, err := c.Sandbox.ParsedCapabilities(); err != nil {
		return fmt.Errorf("sandbox.capabilities: %w", err)
	}
	if c.History != nil {
		switch c.History.HistoryDriver() {
		case "sqlite":
		case "postgres":
			if c.History.Enabled && (c.History.Postgres == nil || c.History.Postgres.DSN == "") {
				return fmt.Errorf("history.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("history.driver %q is not supported (use sqlite or postgres)", c.History.Driver)
		}
	}
	if c.TracingEnabled() {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
		if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
