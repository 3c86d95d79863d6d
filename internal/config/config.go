// Package config loads the settings the engine needs at attach time.
// It plays the same role as delve's pkg/config, re-purposed: instead of
// REPL aliases and source-list colors, it carries the handful of knobs
// the VM-coupled debug engine itself consumes. Everything else (how the
// DAP front-end is configured, how IDE paths are mapped to canonical
// server paths) belongs to an external collaborator and is out of scope
// here (spec.md §1).
package config

import (
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full set of engine attach-time settings.
type Config struct {
	// BasePageClassName is the fully qualified name of the dynamic
	// language's base page class (spec.md §4.3); the class registry
	// tracks only subtypes of this class.
	BasePageClassName string `yaml:"base-page-class-name"`

	// WorkerInvokeTimeout bounds the busy-wait the worker bootstrap
	// performs while establishing the perpetually-suspended helper
	// thread (spec.md §4.2). Zero or a negative value selects the
	// worker bootstrap's built-in default of 5s.
	WorkerInvokeTimeout time.Duration `yaml:"worker-invoke-timeout"`

	// EphemeralClassLoaderMarkers is a list of substrings; a reference
	// type whose name contains one of these is assumed to belong to an
	// in-memory/ephemeral class loader (e.g. one backing a one-off IDE
	// expression evaluation), and class-mirror build failures for it are
	// not logged (spec.md §7, "suppressed for known ephemeral in-memory
	// class loaders").
	EphemeralClassLoaderMarkers []string `yaml:"ephemeral-classloader-markers"`

	// LogFlags is a comma-separated list of engine logging subsystems to
	// enable, in the same shape as delve's --log-output flag: any subset
	// of "engine", "worker", "event", "step".
	LogFlags string `yaml:"log-flags"`
}

// Default returns the configuration used when no config file is present,
// matching the original implementation's single default marker
// (spec.md §12, "Ephemeral-classloader log suppression").
func Default() *Config {
	return &Config{
		BasePageClassName:           "lucee.runtime.Page",
		WorkerInvokeTimeout:         5 * time.Second,
		EphemeralClassLoaderMarkers: []string{"MemoryClassLoader"},
	}
}

// Load reads and parses a YAML config file, falling back to Default()
// for any field the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// IsEphemeralClassLoaderName reports whether name matches one of the
// configured ephemeral class-loader markers.
func (c *Config) IsEphemeralClassLoaderName(name string) bool {
	for _, marker := range c.EphemeralClassLoaderMarkers {
		if marker == "" {
			continue
		}
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
