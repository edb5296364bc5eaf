// Package config loads and persists loopkeeper's configuration file.
// Configuration lives at <workspace>/.loopkeeper/config.yaml next to the
// cascade state, so a workspace is fully self-contained and relocatable.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	// LoopDir is the directory scanned for Loop-NNNN_Title.md files.
	LoopDir string `yaml:"loop_dir"`
	// DataDir holds cascade state (shadows, batches, digests, journal).
	DataDir string `yaml:"data_dir"`

	Logging LoggingConfig `yaml:"logging"`
	Analyst AnalystConfig `yaml:"analyst"`
}

// LoggingConfig controls the category file loggers.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Debug bool   `yaml:"debug"` // mirror all categories to stderr
}

// AnalystConfig selects and configures the narrative analyst backend.
type AnalystConfig struct {
	Provider string `yaml:"provider"` // "gemini" or "mock"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`
}

const (
	stateDirName   = ".loopkeeper"
	configFileName = "config.yaml"
)

// StateDir returns the hidden state directory under the workspace root.
func StateDir(workspace string) string {
	return filepath.Join(workspace, stateDirName)
}

// Path returns the config file path under the workspace root.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), configFileName)
}

// Default returns the configuration used when no file exists yet.
func Default(workspace string) *Config {
	return &Config{
		LoopDir: filepath.Join(workspace, "loops"),
		DataDir: filepath.Join(StateDir(workspace), "cascade"),
		Logging: LoggingConfig{Level: "info"},
		Analyst: AnalystConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
		},
	}
}

// Load reads the workspace config, falling back to defaults for a missing
// file. Environment variables override the file: LOOPKEEPER_API_KEY (then
// GEMINI_API_KEY) wins over analyst.api_key.
func Load(workspace string) (*Config, error) {
	cfg := Default(workspace)

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if key := os.Getenv("LOOPKEEPER_API_KEY"); key != "" {
		cfg.Analyst.APIKey = key
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Analyst.APIKey = key
	}

	// Relative paths in the file are anchored at the workspace so configs
	// survive a directory move.
	if !filepath.IsAbs(cfg.LoopDir) {
		cfg.LoopDir = filepath.Join(workspace, cfg.LoopDir)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(workspace, cfg.DataDir)
	}
	return cfg, nil
}

// Save writes the config under the workspace, creating the state directory
// as needed. The API key is kept out of the file when it came from the
// environment only if the caller blanks it first.
func Save(workspace string, cfg *Config) error {
	if err := os.MkdirAll(StateDir(workspace), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(Path(workspace), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
