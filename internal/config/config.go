// Package config loads shell settings.
//
// Settings come from three layers, later ones winning: built-in defaults,
// an optional configuration file, and command-line flags. The file format is
// picked from its extension: .toml, or .yaml / .yml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownFormat = errors.New("unknown config format")
	ErrInvalid       = errors.New("invalid config")
)

// Config holds the shell's settings.
type Config struct {
	Prompt       string
	EmitPrompt   bool
	Verbose      bool
	MaxJobs      int
	PollInterval time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Prompt:       "tsh> ",
		EmitPrompt:   true,
		MaxJobs:      16,
		PollInterval: 20 * time.Millisecond,
	}
}

// file mirrors Config as it is written on disk. Pointers tell unset keys
// apart from zero values.
type file struct {
	Prompt       *string `toml:"prompt" yaml:"prompt"`
	EmitPrompt   *bool   `toml:"emit_prompt" yaml:"emit_prompt"`
	Verbose      *bool   `toml:"verbose" yaml:"verbose"`
	MaxJobs      *int    `toml:"max_jobs" yaml:"max_jobs"`
	PollInterval *string `toml:"poll_interval" yaml:"poll_interval"`
}

// Load reads path over the defaults. An empty path or a missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := cfg.merge(path, data); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// merge decodes data by the extension of path and applies the keys it sets.
func (c *Config) merge(path string, data []byte) error {
	var f file
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%s: %w %q", path, ErrUnknownFormat, ext)
	}

	if f.Prompt != nil {
		c.Prompt = *f.Prompt
	}
	if f.EmitPrompt != nil {
		c.EmitPrompt = *f.EmitPrompt
	}
	if f.Verbose != nil {
		c.Verbose = *f.Verbose
	}
	if f.MaxJobs != nil {
		c.MaxJobs = *f.MaxJobs
	}
	if f.PollInterval != nil {
		d, err := time.ParseDuration(*f.PollInterval)
		if err != nil {
			return fmt.Errorf("%s: poll_interval: %w", path, err)
		}
		c.PollInterval = d
	}
	return nil
}

// Validate reports settings the shell cannot run with.
func (c Config) Validate() error {
	if c.MaxJobs < 1 {
		return fmt.Errorf("%w: max_jobs must be at least 1, got %d", ErrInvalid, c.MaxJobs)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive, got %s", ErrInvalid, c.PollInterval)
	}
	return nil
}
