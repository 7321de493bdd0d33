// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/studyflow/config.yaml",
	"/etc/studyflow/config.yml",
}

// ConfigPathEnvVar is the environment variable that overrides the config
// file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load loads configuration using koanf with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path falls
// back to the CONFIG_PATH env var and then the default search paths.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment variables do not
// pollute the configuration.
//
// Examples:
//   - STUDY_DATA_DIR -> paths.data_dir
//   - DUCKDB_PATH    -> database.path
//   - RUN_INTERVAL   -> pipeline.interval
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Storage area mappings
		"study_data_dir":       "paths.data_dir",
		"study_incoming_dir":   "paths.incoming_dir",
		"study_processed_dir":  "paths.processed_dir",
		"study_exceptions_dir": "paths.exceptions_dir",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Pipeline mappings
		"run_interval":       "pipeline.interval",
		"run_lookback":       "pipeline.lookback",
		"run_workers":        "pipeline.workers",
		"ingest_batch_size":  "pipeline.batch_size",
		"store_timeout":      "pipeline.store_timeout",
		"user_timeout":       "pipeline.user_timeout",

		// Aggregation mappings
		"study_timezone": "aggregate.timezone",
		"gap_tolerance":  "aggregate.gap_tolerance",
		"max_speed_kmh":  "aggregate.max_speed_kmh",

		// Server mappings
		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
