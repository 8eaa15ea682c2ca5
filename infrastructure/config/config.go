// Package config loads the worker runtime configuration and the
// environment-bindings map from the process environment, with an optional
// YAML bindings file as the local-development substitute for host-supplied
// bindings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultBindingPrefix marks environment variables exported to the worker
// as bindings: BINDING_API_KEY becomes the binding API_KEY.
const DefaultBindingPrefix = "BINDING_"

// Config holds the worker runtime configuration
type Config struct {
	// Environment selects runtime behavior (logging verbosity, watcher)
	Environment string `validate:"oneof=development staging production"`

	// Logging
	LogLevel string `validate:"oneof=debug info warn error"`

	// Feature flags
	EnableMetrics bool

	// Bindings configuration
	BindingPrefix string
	// BindingsFile is an optional YAML file of bindings, used by the local
	// development harness in place of host-provided bindings
	BindingsFile string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", false),
		BindingPrefix: getEnv("BINDING_PREFIX", DefaultBindingPrefix),
		BindingsFile:  getEnv("BINDINGS_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadBindings builds the worker's static bindings map: prefixed process
// environment variables first, then the bindings file overriding them.
func (c *Config) LoadBindings() (map[string]string, error) {
	bindings := bindingsFromEnviron(os.Environ(), c.BindingPrefix)

	if c.BindingsFile != "" {
		fromFile, err := LoadBindingsFile(c.BindingsFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			bindings[k] = v
		}
	}
	return bindings, nil
}

// LoadBindingsFile reads a flat YAML map of binding names to values.
func LoadBindingsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bindings file: %w", err)
	}
	bindings := make(map[string]string)
	if err := yaml.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("parsing bindings file %s: %w", path, err)
	}
	return bindings, nil
}

func bindingsFromEnviron(environ []string, prefix string) map[string]string {
	bindings := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		bindings[strings.TrimPrefix(name, prefix)] = value
	}
	return bindings
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return value == "yes"
}
