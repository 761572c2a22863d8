package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort = 3456
	DefaultHost = "0.0.0.0"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Vision    *BackendConfig  `yaml:"vision,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	APIKey       string `yaml:"api_key"`
	LoggingLevel string `yaml:"logging_level"`
}

type BackendConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// FromEnv builds the configuration from environment variables:
// PORT, HOST, API_KEY, VLLM_URL, VLLM_API_KEY, VLLM_MODEL,
// VISION_URL, VISION_API_KEY, VISION_MODEL,
// TELEMETRY_ENABLED, TELEMETRY_ENDPOINT, LOG_LEVEL.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         envOr("HOST", DefaultHost),
			Port:         DefaultPort,
			APIKey:       os.Getenv("API_KEY"),
			LoggingLevel: envOr("LOG_LEVEL", "info"),
		},
		Backend: BackendConfig{
			URL:    os.Getenv("VLLM_URL"),
			APIKey: os.Getenv("VLLM_API_KEY"),
			Model:  os.Getenv("VLLM_MODEL"),
		},
		Telemetry: TelemetryConfig{
			Enabled:  os.Getenv("TELEMETRY_ENABLED") == "true",
			Endpoint: os.Getenv("TELEMETRY_ENDPOINT"),
		},
	}

	if port := os.Getenv("PORT"); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %q", port)
		}
		cfg.Server.Port = parsed
	}

	if visionURL := os.Getenv("VISION_URL"); visionURL != "" {
		cfg.Vision = &BackendConfig{
			URL:    visionURL,
			APIKey: os.Getenv("VISION_API_KEY"),
			Model:  os.Getenv("VISION_MODEL"),
		}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML file and overlays it on the environment-derived
// configuration. File values win where set.
func Load(path string) (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		// Still overlay: the file may supply what the environment lacks.
		cfg = &Config{
			Server: ServerConfig{Host: DefaultHost, Port: DefaultPort, LoggingLevel: "info"},
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Normalize cleans up configuration values.
func (c *Config) Normalize() {
	c.Backend.URL = trimV1(c.Backend.URL)
	if c.Vision != nil {
		c.Vision.URL = trimV1(c.Vision.URL)
	}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
}

// trimV1 removes a trailing /v1 so endpoint paths don't double it.
func trimV1(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(base) > 3 && base[len(base)-3:] == "/v1" {
		base = base[:len(base)-3]
	}
	return base
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
	}

	if err := validateBackend("backend", &c.Backend); err != nil {
		return err
	}
	if c.Vision != nil {
		if err := validateBackend("vision", c.Vision); err != nil {
			return err
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint != "" {
		if _, err := url.Parse(c.Telemetry.Endpoint); err != nil {
			return fmt.Errorf("invalid telemetry endpoint: %w", err)
		}
	}

	return nil
}

func validateBackend(name string, b *BackendConfig) error {
	if b.URL == "" {
		return fmt.Errorf("%s: url is required (set VLLM_URL)", name)
	}
	parsed, err := url.Parse(b.URL)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", name, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s: url must use http or https scheme, got: %s", name, parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: url must have a host", name)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
