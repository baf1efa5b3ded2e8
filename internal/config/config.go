// Package config loads loom's deployment configuration.
//
// Defaults work with no file present; ~/.loom/config.yaml overrides
// individual keys. Duration-valued settings are expressed as integer
// seconds/days in the file and exposed as time.Duration accessors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the threshold controller's adjustment parameters.
// These are tunable heuristics, not fixed law; the controller re-clamps
// after every update regardless of what they are set to.
type Tuning struct {
	FalsePositiveStep float64 `yaml:"false_positive_step"` // trust_threshold bump per false positive
	AutoStashStep     float64 `yaml:"auto_stash_step"`     // trust_threshold bump when FP rate is high
	RelaxStep         float64 `yaml:"relax_step"`          // trust_threshold decay when FP rate is low
	AskStep           float64 `yaml:"ask_step"`            // ask_threshold reduction on high acceptance
	HighFPRate        float64 `yaml:"high_fp_rate"`        // FP/auto-stash ratio considered too eager
	HighAcceptRate    float64 `yaml:"high_accept_rate"`    // accepted/shown ratio considered engaged
	MinAsk            float64 `yaml:"min_ask"`
	MaxTrust          float64 `yaml:"max_trust"`
}

// Config is the full deployment configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	DefaultAskThreshold   float64 `yaml:"default_ask_threshold"`
	DefaultTrustThreshold float64 `yaml:"default_trust_threshold"`
	Tuning                Tuning  `yaml:"tuning"`

	FalsePositiveWindowSeconds int `yaml:"false_positive_window_seconds"`
	RecentWindowSize           int `yaml:"recent_window_size"`
	TypicalCadenceSeconds      int `yaml:"typical_cadence_seconds"`

	JournalKeepCount  int `yaml:"journal_keep_count"`
	JournalMaxAgeDays int `yaml:"journal_max_age_days"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:  filepath.Join(home, ".loom"),
		LogLevel: "info",

		DefaultAskThreshold:   0.30,
		DefaultTrustThreshold: 0.70,
		Tuning: Tuning{
			FalsePositiveStep: 0.05,
			AutoStashStep:     0.02,
			RelaxStep:         0.01,
			AskStep:           0.02,
			HighFPRate:        0.5,
			HighAcceptRate:    0.6,
			MinAsk:            0.05,
			MaxTrust:          0.95,
		},

		FalsePositiveWindowSeconds: 300,
		RecentWindowSize:           8,
		TypicalCadenceSeconds:      300,

		JournalKeepCount:  500,
		JournalMaxAgeDays: 30,
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".loom", "config.yaml")
}

// Load reads the config file at path over the defaults. A missing file
// is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// FalsePositiveWindow returns the resume window within which an
// auto-stash is counted as a false positive.
func (c Config) FalsePositiveWindow() time.Duration {
	return time.Duration(c.FalsePositiveWindowSeconds) * time.Second
}

// TypicalCadence returns the fallback activity cadence used by the
// scorer's recency signal when a session has too little history.
func (c Config) TypicalCadence() time.Duration {
	return time.Duration(c.TypicalCadenceSeconds) * time.Second
}

// JournalMaxAge returns the age beyond which committed journal entries
// are eligible for cleanup.
func (c Config) JournalMaxAge() time.Duration {
	return time.Duration(c.JournalMaxAgeDays) * 24 * time.Hour
}
