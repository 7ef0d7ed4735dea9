package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// Provider is a configuration source.
type Provider interface {
	// Load reads and validates the complete configuration.
	Load() (*Config, error)

	// Current returns the most recently loaded configuration, loading it
	// on first use.
	Current() (*Config, error)
}

// YAMLProvider loads configuration from a YAML file.
type YAMLProvider struct {
	filename string

	mu     sync.RWMutex
	config *Config
}

// NewYAMLProvider creates a provider for the given file.
func NewYAMLProvider(filename string) *YAMLProvider {
	return &YAMLProvider{filename: filename}
}

// Path returns the backing file path.
func (y *YAMLProvider) Path() string { return y.filename }

// Load reads, parses, and validates the file, replacing the cached config on
// success. A failed load leaves the previous config in place.
func (y *YAMLProvider) Load() (*Config, error) {
	data, err := os.ReadFile(y.filename)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", y.filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", y.filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", y.filename, err)
	}

	y.mu.Lock()
	y.config = &cfg
	y.mu.Unlock()
	return &cfg, nil
}

// Current returns the cached configuration, loading the file on first use.
func (y *YAMLProvider) Current() (*Config, error) {
	y.mu.RLock()
	cfg := y.config
	y.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}
	return y.Load()
}
