// Package config provides configuration structures and loading logic for the
// authorization service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-authz/pkg/domain"
)

const (
	defaultListen          = ":8181"
	defaultShutdownTimeout = 10 * time.Second
	defaultDebounce        = 250 * time.Millisecond
	defaultServiceName     = "polis-authz"
	defaultCacheEntries    = 1024
)

// Config holds the global configuration for the authorization service.
type Config struct {
	Model     SourceDescriptor `yaml:"model"`
	Policy    SourceDescriptor `yaml:"policy"`
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Watch     WatchConfig      `yaml:"watch"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Cache     CacheConfig      `yaml:"cache"`
}

// ServerConfig holds configuration for the decision API listener.
type ServerConfig struct {
	Listen          string          `yaml:"listen"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	TLS             *TLSConfig      `yaml:"tls,omitempty"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles each decision endpoint. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// WatchConfig controls reloading when the model or policy file changes.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SampleRatio  float64           `yaml:"sample_ratio"`
	Headers      map[string]string `yaml:"headers"`
}

// CacheConfig bounds the engine decision cache. Negative disables it.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// Load reads configuration from a file, expands ${VAR} references, applies
// environment overrides and validates the result. Relative source paths are
// resolved against the directory of the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no sources.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          defaultListen,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{Level: "info"},
		Watch:   WatchConfig{Debounce: defaultDebounce},
		Telemetry: TelemetryConfig{
			ServiceName: defaultServiceName,
			SampleRatio: 1,
		},
		Cache: CacheConfig{MaxEntries: defaultCacheEntries},
	}
}

func (c *Config) resolvePaths(base string) {
	for _, desc := range []*SourceDescriptor{&c.Model, &c.Policy} {
		p := strings.TrimSpace(desc.Path)
		if p != "" && !filepath.IsAbs(p) {
			desc.Path = filepath.Join(base, p)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_AUTHZ_MODEL"); val != "" {
		cfg.Model.Path = val
	}
	if val := os.Getenv("POLIS_AUTHZ_POLICY"); val != "" {
		cfg.Policy.Path = val
	}
	if val := os.Getenv("POLIS_AUTHZ_LISTEN"); val != "" {
		cfg.Server.Listen = val
	}
	if val := os.Getenv("POLIS_AUTHZ_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_AUTHZ_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_AUTHZ_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_AUTHZ_WATCH"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.Watch.Enabled = enabled
		}
	}
}

// Validate performs validation of the entire configuration and fills in
// defaults for empty fields. Errors wrap domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Model.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model source: %w", err))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy source: %w", err))
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server configuration: %w", err))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging configuration: %w", err))
	}
	if err := c.Watch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("watch configuration: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry configuration: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = defaultListen
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return NewConfigValidationError("rate_limit", c.RateLimit, "must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of watch configuration
func (c *WatchConfig) Validate() error {
	if c.Debounce < 0 {
		return NewConfigValidationError("debounce", c.Debounce, "must not be negative")
	}
	if c.Debounce == 0 {
		c.Debounce = defaultDebounce
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be between 0 and 1")
	}
	return nil
}
