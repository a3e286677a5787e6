package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands ${VAR} references, applies
// environment overrides, and validates. An empty path returns defaults
// with env overrides applied.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := decodeStrict([]byte(expanded), cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("failed to parse config: expected single document")
	}
	return nil
}

// applyEnv layers well-known environment variables over the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CASCADEFN_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CASCADEFN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("CASCADEFN_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("CASCADEFN_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("CASCADEFN_API_KEY"); v != "" {
		// A bare env key gets full scopes; used for local development.
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, APIKeyEntry{
			Key:    v,
			Active: true,
			Scopes: []string{"functions:read", "functions:write", "functions:deploy"},
		})
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("CASCADEFN_STORAGE_PATH"); v != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
	if v := os.Getenv("CASCADEFN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
