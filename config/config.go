// Package config handles ember.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file searched for by FindAndLoad.
const FileName = "ember.toml"

// Config represents an ember.toml configuration.
type Config struct {
	Runtime Runtime `toml:"runtime"`
	Log     Log     `toml:"log"`
	Program Program `toml:"program"`

	// Dir is the directory containing the ember.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime sizes the scheduler and the blocking pool.
type Runtime struct {
	// Workers is the number of scheduler threads; 0 means one per CPU core.
	Workers         int  `toml:"workers"`
	BlockingThreads int  `toml:"blocking-threads"`
	Reductions      int  `toml:"reductions"`
	PinWorkers      bool `toml:"pin-workers"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Program names what to run when no path is given on the command line.
type Program struct {
	Image     string   `toml:"image"`
	Arguments []string `toml:"arguments"`
}

// Default returns the configuration used when no ember.toml exists.
func Default() *Config {
	return &Config{
		Runtime: Runtime{Reductions: 1000},
	}
}

// Load parses an ember.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an ember.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ApplyEnv overrides values from EMBER_* variables looked up with lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range []struct {
		name string
		dst  *int
	}{
		{"EMBER_WORKERS", &c.Runtime.Workers},
		{"EMBER_BLOCKING_THREADS", &c.Runtime.BlockingThreads},
		{"EMBER_REDUCTIONS", &c.Runtime.Reductions},
		{"EMBER_LOG_VERBOSITY", &c.Log.Verbosity},
	} {
		s, ok := lookup(o.name)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", o.name, err)
		}
		*o.dst = n
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.Runtime.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Runtime.Workers)
	}
	if c.Runtime.BlockingThreads < 0 {
		return fmt.Errorf("blocking-threads must not be negative, got %d", c.Runtime.BlockingThreads)
	}
	if c.Runtime.Reductions <= 0 {
		return fmt.Errorf("reductions must be positive, got %d", c.Runtime.Reductions)
	}
	return nil
}

// ImagePath returns the configured program path, resolved against Dir.
func (c *Config) ImagePath() string {
	if c.Program.Image == "" || filepath.IsAbs(c.Program.Image) || c.Dir == "" {
		return c.Program.Image
	}
	return filepath.Join(c.Dir, c.Program.Image)
}
