// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Pipeline.Interval != 2*time.Hour {
		t.Errorf("Interval = %s, want 2h", cfg.Pipeline.Interval)
	}
	if cfg.Aggregate.GapTolerance != 10*time.Minute {
		t.Errorf("GapTolerance = %s, want 10m", cfg.Aggregate.GapTolerance)
	}
	if cfg.Aggregate.MaxSpeedKmH != 200.0 {
		t.Errorf("MaxSpeedKmH = %v, want 200", cfg.Aggregate.MaxSpeedKmH)
	}
	if cfg.Paths.IncomingDir != filepath.Join(cfg.Paths.DataDir, "incoming") {
		t.Errorf("IncomingDir = %s, want derived from DataDir", cfg.Paths.IncomingDir)
	}
	if cfg.Paths.ExceptionsDir != filepath.Join(cfg.Paths.DataDir, "exceptions") {
		t.Errorf("ExceptionsDir = %s, want derived from DataDir", cfg.Paths.ExceptionsDir)
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
paths:
  data_dir: /srv/study
pipeline:
  interval: 1h
  lookback: 6h
  workers: 8
aggregate:
  timezone: America/New_York
  max_speed_kmh: 150
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}

	if cfg.Paths.DataDir != "/srv/study" {
		t.Errorf("DataDir = %s, want /srv/study", cfg.Paths.DataDir)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.Lookback != 6*time.Hour {
		t.Errorf("Lookback = %s, want 6h", cfg.Pipeline.Lookback)
	}
	if cfg.Aggregate.Timezone != "America/New_York" {
		t.Errorf("Timezone = %s, want America/New_York", cfg.Aggregate.Timezone)
	}
	if cfg.Aggregate.MaxSpeedKmH != 150.0 {
		t.Errorf("MaxSpeedKmH = %v, want 150", cfg.Aggregate.MaxSpeedKmH)
	}
	// Derived paths follow the overridden data dir
	if cfg.Paths.ProcessedDir != "/srv/study/processed" {
		t.Errorf("ProcessedDir = %s, want /srv/study/processed", cfg.Paths.ProcessedDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STUDY_TIMEZONE", "Europe/Berlin")
	t.Setenv("RUN_WORKERS", "2")
	t.Setenv("MAX_SPEED_KMH", "120")

	cfg, err := LoadFile("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Aggregate.Timezone != "Europe/Berlin" {
		t.Errorf("Timezone = %s, want Europe/Berlin", cfg.Aggregate.Timezone)
	}
	if cfg.Pipeline.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Pipeline.Workers)
	}
	if cfg.Aggregate.MaxSpeedKmH != 120.0 {
		t.Errorf("MaxSpeedKmH = %v, want 120", cfg.Aggregate.MaxSpeedKmH)
	}
}

func TestValidate(t *testing.T) {
	t.Run("rejects bogus timezone", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.applyDerivedDefaults()
		cfg.Aggregate.Timezone = "Mars/Olympus_Mons"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for invalid timezone")
		}
	})

	t.Run("rejects lookback shorter than interval", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.applyDerivedDefaults()
		cfg.Pipeline.Lookback = 30 * time.Minute
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for lookback < interval")
		}
	})

	t.Run("rejects zero workers", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.applyDerivedDefaults()
		cfg.Pipeline.Workers = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for zero workers")
		}
	})

	t.Run("accepts defaults", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.applyDerivedDefaults()
		if err := cfg.Validate(); err != nil {
			t.Errorf("defaults should validate: %v", err)
		}
	})
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DUCKDB_PATH", "database.path"},
		{"STUDY_DATA_DIR", "paths.data_dir"},
		{"GAP_TOLERANCE", "aggregate.gap_tolerance"},
		{"HOME", ""},
		{"RANDOM_VAR", ""},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
