// Package codebasedconfig loads the immutable Config value consumed by the
// CLI, Indexer, and EmbeddingService. Loading and merging precedence is
// treated as an ambient concern external to the core engine, but the Config
// type and loader live here so callers can construct one end-to-end.
package codebasedconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultEmbeddingModel     = "text-embedding-3-small"
	defaultEmbeddingDimension = 1536
	defaultIndexRoot          = ".codebased"
)

// Config is the immutable configuration value passed explicitly to the
// Indexer, EmbeddingService, and Searcher at startup.
type Config struct {
	EmbeddingAPIKey    string `toml:"embedding_api_key"`
	EmbeddingModel     string `toml:"embedding_model"`
	EmbeddingDimension int    `toml:"embedding_dimension"`
	EditorCommand      string `toml:"editor_command"`
	IndexRoot          string `toml:"index_root"`
}

// Default returns a Config with the documented defaults, before any file or
// environment overrides are applied.
func Default() Config {
	return Config{
		EmbeddingModel:     defaultEmbeddingModel,
		EmbeddingDimension: defaultEmbeddingDimension,
		EditorCommand:      os.Getenv("EDITOR"),
		IndexRoot:          defaultIndexRoot,
	}
}

// DefaultConfigPath returns $HOME/.codebased/config.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codebased", "config.toml"), nil
}

// Load reads the TOML config file at path (DefaultConfigPath if path is
// empty), falling back to defaults for any key not present, and applying
// environment overrides (EMBEDDING_API_KEY, EDITOR) with the highest
// precedence. A missing config file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyZeroValueDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.EmbeddingAPIKey = v
	}
	if v := os.Getenv("EDITOR"); v != "" {
		c.EditorCommand = v
	}
}

// applyZeroValueDefaults fills in fields left unset by a partial TOML file.
func (c *Config) applyZeroValueDefaults() {
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = defaultEmbeddingModel
	}
	if c.EmbeddingDimension == 0 {
		c.EmbeddingDimension = defaultEmbeddingDimension
	}
	if c.IndexRoot == "" {
		c.IndexRoot = defaultIndexRoot
	}
}

// Validate checks invariants that must hold before the engine starts.
func (c *Config) Validate() error {
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("embedding_model must not be empty")
	}
	if c.IndexRoot == "" {
		return fmt.Errorf("index_root must not be empty")
	}
	return nil
}

// IndexRootFor resolves the index root directory for repoRoot, honoring an
// absolute IndexRoot override and otherwise nesting it under repoRoot.
func (c *Config) IndexRootFor(repoRoot string) string {
	if filepath.IsAbs(c.IndexRoot) {
		return c.IndexRoot
	}
	return filepath.Join(repoRoot, c.IndexRoot)
}
