// Package config handles ccos.toml kernel configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the kernel configuration loaded from ccos.toml.
type Config struct {
	Screen  Screen  `toml:"screen"`
	VM      VM      `toml:"vm"`
	Tuning  Tuning  `toml:"tuning"`
	Storage Storage `toml:"storage"`

	// Dir is the directory containing the ccos.toml file (set at load
	// time).
	Dir string `toml:"-"`
}

// Screen configures the character grid geometry.
type Screen struct {
	Rows int `toml:"rows"`
	Cols int `toml:"cols"`
}

// VM configures the machine.
type VM struct {
	// Frames is the physical pool capacity in 4096-byte frames.
	Frames int `toml:"frames"`

	// Entry is the first program compiled and run at boot.
	Entry string `toml:"entry"`
}

// Tuning configures cycle auto-tuning.
type Tuning struct {
	TargetFPS float64 `toml:"target-fps"`
	LowRate   float64 `toml:"low-rate"`
	HighRate  float64 `toml:"high-rate"`
}

// Storage configures VFS persistence.
type Storage struct {
	// Path is the SQLite database backing the file tree; empty
	// disables persistence.
	Path string `toml:"path"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Screen: Screen{Rows: 30, Cols: 84},
		VM:     VM{Frames: 16384, Entry: "/bin/init"},
		Tuning: Tuning{TargetFPS: 30, LowRate: 0.5, HighRate: 0.8},
	}
}

// Load parses a ccos.toml file from the given directory, filling gaps
// with defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "ccos.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir = dir
	c.fillDefaults()
	return c, nil
}

// LoadOrDefault loads ccos.toml when present and falls back to the
// defaults when it is not.
func LoadOrDefault(dir string) *Config {
	c, err := Load(dir)
	if err != nil {
		return Default()
	}
	return c
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Screen.Rows <= 0 {
		c.Screen.Rows = d.Screen.Rows
	}
	if c.Screen.Cols <= 0 {
		c.Screen.Cols = d.Screen.Cols
	}
	if c.VM.Frames <= 0 {
		c.VM.Frames = d.VM.Frames
	}
	if c.VM.Entry == "" {
		c.VM.Entry = d.VM.Entry
	}
	if c.Tuning.TargetFPS <= 0 {
		c.Tuning.TargetFPS = d.Tuning.TargetFPS
	}
	if c.Tuning.LowRate <= 0 {
		c.Tuning.LowRate = d.Tuning.LowRate
	}
	if c.Tuning.HighRate <= 0 {
		c.Tuning.HighRate = d.Tuning.HighRate
	}
}
