// Package config loads memtable configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel string         `yaml:"logLevel"`
	Store    StoreConfig    `yaml:"store"`
	Vector   VectorConfig   `yaml:"vector"`
	LLM      LLMConfig      `yaml:"llm"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// StoreConfig selects and locates the table-memory persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "file".
	Backend string `yaml:"backend"`
	// Path is the database file for sqlite, or the root directory for file.
	Path string `yaml:"path"`
}

// VectorConfig selects and locates the vector store backend.
type VectorConfig struct {
	// Backend is "sqlite" or "file".
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
}

// LLMConfig configures the chat-completion provider.
type LLMConfig struct {
	// Provider is "openai", "openrouter", or "anthropic".
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseUrl"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"`
}

// EmbedderConfig configures the embedding provider (OpenAI-compatible).
type EmbedderConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`
}

// WatchdogConfig tunes the stuck-queue monitor.
type WatchdogConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Watermark int           `yaml:"watermark"`
}

// Default returns a configuration with sane defaults; Load applies
// the YAML file on top of it.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "memtable.db",
		},
		Vector: VectorConfig{
			Backend:    "sqlite",
			Path:       "vectors.db",
			Collection: "memories",
			Dimension:  1536,
		},
		Watchdog: WatchdogConfig{
			Interval:  60 * time.Second,
			Watermark: 10,
		},
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks backend names and numeric bounds.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Vector.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("config: unknown vector backend %q", c.Vector.Backend)
	}
	if c.Vector.Dimension <= 0 {
		return fmt.Errorf("config: vector dimension must be positive, got %d", c.Vector.Dimension)
	}
	if c.Watchdog.Watermark < 0 {
		return fmt.Errorf("config: watchdog watermark must not be negative")
	}
	return nil
}
