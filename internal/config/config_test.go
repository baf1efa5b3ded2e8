package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/config"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load missing file: %v", err)
	}
	if cfg.DefaultAskThreshold != 0.30 {
		t.Errorf("ask threshold = %v, want 0.30", cfg.DefaultAskThreshold)
	}
	if cfg.DefaultTrustThreshold != 0.70 {
		t.Errorf("trust threshold = %v, want 0.70", cfg.DefaultTrustThreshold)
	}
	if cfg.FalsePositiveWindow() != 5*time.Minute {
		t.Errorf("fp window = %v, want 5m", cfg.FalsePositiveWindow())
	}
	if cfg.JournalKeepCount != 500 {
		t.Errorf("journal keep count = %d, want 500", cfg.JournalKeepCount)
	}
}

func TestLoad_OverridesIndividualKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
default_trust_threshold: 0.8
false_positive_window_seconds: 120
tuning:
  false_positive_step: 0.1
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	if cfg.DefaultTrustThreshold != 0.8 {
		t.Errorf("trust threshold = %v, want 0.8", cfg.DefaultTrustThreshold)
	}
	if cfg.FalsePositiveWindow() != 2*time.Minute {
		t.Errorf("fp window = %v, want 2m", cfg.FalsePositiveWindow())
	}
	if cfg.Tuning.FalsePositiveStep != 0.1 {
		t.Errorf("fp step = %v, want 0.1", cfg.Tuning.FalsePositiveStep)
	}
	// Untouched keys keep their defaults.
	if cfg.DefaultAskThreshold != 0.30 {
		t.Errorf("ask threshold = %v, want default 0.30", cfg.DefaultAskThreshold)
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("malformed config should fail to load")
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := config.Default()
	cfg.TypicalCadenceSeconds = 60
	cfg.JournalMaxAgeDays = 7

	if cfg.TypicalCadence() != time.Minute {
		t.Errorf("cadence = %v, want 1m", cfg.TypicalCadence())
	}
	if cfg.JournalMaxAge() != 7*24*time.Hour {
		t.Errorf("max age = %v, want 168h", cfg.JournalMaxAge())
	}
}
