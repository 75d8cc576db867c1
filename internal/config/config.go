// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/llmgateway/internal/gcpauth"
)

// Config is the top-level configuration for the llmgateway service.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	KeyBag    map[string]string         `koanf:"dynamic_keys"`
	Sink      SinkConfig                `koanf:"sink"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider/model pairing
// served on GCP Vertex AI.
type ProviderConfig struct {
	Project         string   `koanf:"project"`
	Location        string   `koanf:"location"`
	Models          []string `koanf:"models"`
	CredentialsPath string   `koanf:"credentials_path"`

	// Credentials is populated by Load from CredentialsPath; the path
	// itself is not kept once the bytes have been parsed.
	Credentials *gcpauth.Credentials `koanf:"-"`
}

// SinkConfig selects and configures the telemetry sink.
type SinkConfig struct {
	Kind      string `koanf:"kind"` // "log" (default) or "redis"
	RedisAddr string `koanf:"redis_addr"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, resolves each provider's GCP credentials file, and
// returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMGATEWAY_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMGATEWAY_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMGATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMGATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in each provider's credentials path,
	// then resolve that path into parsed GCP credentials. The path itself
	// is never kept past this point.
	for name, p := range cfg.Providers {
		credentialsPath := expandEnv(p.CredentialsPath)
		if credentialsPath == "" {
			continue
		}
		data, err := os.ReadFile(credentialsPath)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file for provider %q: %w", name, err)
		}
		creds, err := gcpauth.LoadFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parsing credentials for provider %q: %w", name, err)
		}
		p.Credentials = creds
		p.CredentialsPath = ""
		cfg.Providers[name] = p
	}

	return &cfg, nil
}

// expandEnv resolves a "${VAR_NAME}" placeholder to the named environment
// variable's value. Any other string is returned unchanged.
func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(value[2 : len(value)-1])
	}
	return value
}
