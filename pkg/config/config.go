// Package config provides configuration structures and loading logic for
// the compute server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Profiling ProfilingConfig `yaml:"profiling"`
	Compute   ComputeConfig   `yaml:"compute"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Retry tries successive ports when the configured one is busy.
	Retry bool `yaml:"retry"`
}

// ProfilingConfig is the server-side profiling policy.
type ProfilingConfig struct {
	Allowed bool `yaml:"allowed"`
	// Output is the directory profiles are written under, or ":response"
	// to disable the filesystem and serve profiles inline only.
	Output    string `yaml:"output"`
	ByDefault bool   `yaml:"by_default"`
}

// ComputeConfig bounds expression execution.
type ComputeConfig struct {
	// Timeout caps a single execution; zero means unbounded.
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DefaultPort is the port the server binds when none is configured.
const DefaultPort = 6363

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ARBOR_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("ARBOR_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ARBOR_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("ARBOR_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate rejects impossible combinations before the server starts.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if !c.Profiling.Allowed && (c.Profiling.Output != "" || c.Profiling.ByDefault) {
		return fmt.Errorf("cannot set profiling output or by_default when profiling is not allowed")
	}
	if c.Compute.Timeout < 0 {
		return fmt.Errorf("negative compute timeout %s", c.Compute.Timeout)
	}
	return nil
}
