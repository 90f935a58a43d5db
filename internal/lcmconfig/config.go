// Package lcmconfig loads and holds the recognized LCM configuration options
// (spec §6.4). It follows the teacher's atomic-singleton config pattern:
// values are loaded once from YAML, read back by value so callers can never
// mutate shared state, and hardcoded algorithm constants never leak into the
// user-editable file.
package lcmconfig

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds every option a host may set for the LCM engine.
//
//nolint:govet // logical field grouping preferred over byte-packing, matches teacher style
type Config struct {
	Enabled               bool    `yaml:"enabled"`
	DatabasePath          string  `yaml:"databasePath"`
	ContextThreshold      float64 `yaml:"contextThreshold"`
	FreshTailCount        int     `yaml:"freshTailCount"`
	LeafTargetTokens      int     `yaml:"leafTargetTokens"`
	CondensedTargetTokens int     `yaml:"condensedTargetTokens"`
	LeafBatchSize         int     `yaml:"leafBatchSize"`
	CondensedBatchSize    int     `yaml:"condensedBatchSize"`
	MaxExpandTokens       int     `yaml:"maxExpandTokens"`
	AutocompactDisabled   bool    `yaml:"autocompactDisabled"`
}

// Defaults returns the documented defaults from spec §4.4 and §4.5.
func Defaults() Config {
	return Config{
		Enabled:               true,
		DatabasePath:          "lcm/lcm.sqlite",
		ContextThreshold:      0.75,
		FreshTailCount:        8,
		LeafTargetTokens:      1200,
		CondensedTargetTokens: 900,
		LeafBatchSize:         6,
		CondensedBatchSize:    3,
		MaxExpandTokens:       20000,
		AutocompactDisabled:   false,
	}
}

// Validate rejects configurations that would violate a documented bound.
func (c Config) Validate() error {
	if c.ContextThreshold <= 0 || c.ContextThreshold > 1 {
		return fmt.Errorf("lcmconfig: contextThreshold must be in (0,1], got %f", c.ContextThreshold)
	}
	if c.FreshTailCount < 0 {
		return fmt.Errorf("lcmconfig: freshTailCount must be >= 0, got %d", c.FreshTailCount)
	}
	if c.LeafBatchSize <= 0 || c.CondensedBatchSize <= 0 {
		return fmt.Errorf("lcmconfig: batch sizes must be > 0")
	}
	if c.MaxExpandTokens <= 0 {
		return fmt.Errorf("lcmconfig: maxExpandTokens must be > 0")
	}
	return nil
}

//nolint:gochecknoglobals // intentional process-wide singleton, mirrors teacher's pkg/config
var (
	mu      sync.RWMutex
	current Config
	loaded  bool
)

// Load reads YAML from path, falling back silently to Defaults() when path
// is empty (hosts embedding the engine without a config file get sane
// defaults rather than an error).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return set(cfg)
			}
			return Config{}, fmt.Errorf("lcmconfig: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("lcmconfig: parse %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return set(cfg)
}

func set(cfg Config) (Config, error) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg
	loaded = true
	return current, nil
}

// Get returns the last-loaded config by value, or Defaults() if Load was
// never called.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	if !loaded {
		return Defaults()
	}
	return current
}
