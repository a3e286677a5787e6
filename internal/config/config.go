// Package config loads platform configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/cascadefn/cascadefn/internal/ratelimit"
)

// Config is the main configuration structure for the platform.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     ratelimit.Config    `yaml:"rate_limit"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Storage       StorageConfig       `yaml:"storage"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`

	// BaseURL prefixes generated task URLs.
	BaseURL string `yaml:"base_url"`
}

type AuthConfig struct {
	JWTSecret   string          `yaml:"jwt_secret"`
	TokenExpiry time.Duration   `yaml:"token_expiry"`
	APIKeys     []APIKeyEntry   `yaml:"api_keys"`
}

type APIKeyEntry struct {
	Key     string   `yaml:"key"`
	KeyID   string   `yaml:"key_id"`
	OwnerID string   `yaml:"owner_id"`
	Scopes  []string `yaml:"scopes"`
	Active  bool     `yaml:"active"`
}

type ProvidersConfig struct {
	Default   string         `yaml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type SandboxConfig struct {
	// Command is the interpreter binary used to run code functions.
	Command string `yaml:"command"`

	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type StorageConfig struct {
	// Driver selects the KV backend: "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the sqlite database file when the driver is sqlite.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// RetainPerFunction caps the per-function log tail.
	RetainPerFunction int `yaml:"retain_per_function"`
}

type ObservabilityConfig struct {
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
			BaseURL:     "http://localhost:8080",
		},
		Auth: AuthConfig{
			TokenExpiry: time.Hour,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Sandbox: SandboxConfig{
			Command:       "node",
			Timeout:       5 * time.Second,
			MaxConcurrent: 32,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "text",
			RetainPerFunction: 1000,
		},
		Observability: ObservabilityConfig{
			ServiceName:    "cascadefn",
			MetricsEnabled: true,
		},
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.Server.HTTPPort)
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Providers.Default {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown default provider %q", c.Providers.Default)
	}
	return nil
}
