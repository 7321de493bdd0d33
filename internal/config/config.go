// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package config defines the Studyflow configuration model and its loader.
//
// Configuration is layered (defaults, then an optional YAML file, then
// environment variables) and every component receives its section at
// construction; there is no ambient global configuration object.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the pipeline process.
type Config struct {
	Paths     PathsConfig     `koanf:"paths"`
	Database  DatabaseConfig  `koanf:"database"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Aggregate AggregateConfig `koanf:"aggregate"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// PathsConfig holds the storage areas the pipeline moves files between.
// Incoming is written by the external upload layer; Processed and
// Exceptions are written only by the archival manager.
type PathsConfig struct {
	// DataDir is the root under which the area directories default.
	DataDir string `koanf:"data_dir" validate:"required"`

	// IncomingDir defaults to <data_dir>/incoming.
	IncomingDir string `koanf:"incoming_dir"`

	// ProcessedDir defaults to <data_dir>/processed.
	ProcessedDir string `koanf:"processed_dir"`

	// ExceptionsDir defaults to <data_dir>/exceptions.
	ExceptionsDir string `koanf:"exceptions_dir"`
}

// DatabaseConfig holds DuckDB settings for the event and summary stores.
type DatabaseConfig struct {
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`

	// Threads sets DuckDB worker threads; 0 means runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`
}

// PipelineConfig holds batch-run cadence and concurrency settings.
type PipelineConfig struct {
	// Interval is the scheduled run cadence and also the run deadline:
	// once a run exceeds it, in-flight users finish but no new user starts.
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// Lookback is how far before now a scheduled run scans for new data.
	Lookback time.Duration `koanf:"lookback" validate:"gt=0"`

	// Workers bounds concurrent per-user processing.
	Workers int `koanf:"workers" validate:"gt=0"`

	// BatchSize bounds events per store write round trip.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// StoreTimeout bounds any single store operation.
	StoreTimeout time.Duration `koanf:"store_timeout" validate:"gt=0"`

	// UserTimeout bounds one user's aggregation within a run; on expiry
	// that user is skipped and retried next cadence.
	UserTimeout time.Duration `koanf:"user_timeout" validate:"gt=0"`
}

// AggregateConfig holds the tunables of the daily summary computation.
type AggregateConfig struct {
	// Timezone is the study-wide IANA zone used for day boundaries.
	Timezone string `koanf:"timezone" validate:"required"`

	// GapTolerance merges adjacent same-state intervals closer than this.
	GapTolerance time.Duration `koanf:"gap_tolerance" validate:"gt=0"`

	// MaxSpeedKmH discards location fix pairs implying faster travel.
	MaxSpeedKmH float64 `koanf:"max_speed_kmh" validate:"gt=0"`
}

// ServerConfig holds the read-only operational API settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "/data/studyflow",
		},
		Database: DatabaseConfig{
			Path:      "/data/studyflow/studyflow.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		Pipeline: PipelineConfig{
			Interval:     2 * time.Hour,
			Lookback:     2 * time.Hour,
			Workers:      4,
			BatchSize:    2000,
			StoreTimeout: 30 * time.Second,
			UserTimeout:  5 * time.Minute,
		},
		Aggregate: AggregateConfig{
			Timezone:     "UTC",
			GapTolerance: 10 * time.Minute,
			MaxSpeedKmH:  200.0,
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8610,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyDerivedDefaults fills area directories that default relative to
// DataDir when not set explicitly.
func (c *Config) applyDerivedDefaults() {
	if c.Paths.IncomingDir == "" {
		c.Paths.IncomingDir = filepath.Join(c.Paths.DataDir, "incoming")
	}
	if c.Paths.ProcessedDir == "" {
		c.Paths.ProcessedDir = filepath.Join(c.Paths.DataDir, "processed")
	}
	if c.Paths.ExceptionsDir == "" {
		c.Paths.ExceptionsDir = filepath.Join(c.Paths.DataDir, "exceptions")
	}
}

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := time.LoadLocation(c.Aggregate.Timezone); err != nil {
		return fmt.Errorf("invalid aggregate.timezone %q: %w", c.Aggregate.Timezone, err)
	}

	// The lookback window must cover at least one cadence interval or
	// files uploaded between runs could be skipped.
	if c.Pipeline.Lookback < c.Pipeline.Interval {
		return fmt.Errorf("pipeline.lookback (%s) must be >= pipeline.interval (%s)",
			c.Pipeline.Lookback, c.Pipeline.Interval)
	}

	return nil
}

// Location returns the loaded study time zone. Validate must have accepted
// the configuration first.
func (c *AggregateConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
