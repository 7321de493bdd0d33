// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package main is the entry point for the Studyflow pipeline process.
//
// Studyflow ingests raw sensor uploads from study participants (wearable
// binary containers, phone SQLite logs, and newline-delimited JSON event
// streams), decodes them into typed deduplicated events, and folds the
// events into per-participant daily summaries on a batch cadence.
//
// # Application Architecture
//
// The process initializes components in the following order:
//
//  1. Configuration: layered defaults, YAML file, environment (Koanf v2)
//  2. Store: DuckDB event, provenance, and summary tables
//  3. Intake: incoming-directory discovery, classification, decoding
//  4. Aggregation: per-user per-day summary computation
//  5. Runner: scheduled batch runs on the configured cadence
//  6. API: read-only HTTP endpoints for summaries and upload provenance
//
// The runner and the API server run under a suture supervisor tree so a
// crash in one cannot take down the other.
//
// # Modes
//
// Without flags the process runs continuously: scheduled pipeline runs
// plus the HTTP API. With -once it performs a single run and exits, which
// is the operator path for backfills:
//
//	studyflow-pipeline -once                          # one full run
//	studyflow-pipeline -once -user p042 -date 2026-03-14   # recompute one day
//	studyflow-pipeline -once -lookback 720h                # 30-day rescan
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: in-flight users finish,
// the HTTP listener drains, and the store closes.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dkressner/studyflow/internal/aggregate"
	"github.com/dkressner/studyflow/internal/api"
	"github.com/dkressner/studyflow/internal/archive"
	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/intake"
	"github.com/dkressner/studyflow/internal/logging"
	"github.com/dkressner/studyflow/internal/scheduler"
	"github.com/dkressner/studyflow/internal/store"
	"github.com/dkressner/studyflow/internal/supervisor"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default: search standard locations)")
		runOnce    = flag.Bool("once", false, "perform a single pipeline run and exit")
		userID     = flag.String("user", "", "restrict the run to one participant (with -once)")
		date       = flag.String("date", "", "restrict aggregation to one local date, YYYY-MM-DD (with -once -user)")
		lookback   = flag.Duration("lookback", 0, "override the rescan window (with -once)")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("incoming", cfg.Paths.IncomingDir).
		Str("timezone", cfg.Aggregate.Timezone).
		Dur("interval", cfg.Pipeline.Interval).
		Msg("Configuration loaded")

	db, err := store.Open(&cfg.Database, cfg.Pipeline.StoreTimeout)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	archiver := archive.New(cfg.Paths.ProcessedDir, cfg.Paths.ExceptionsDir)
	processor := intake.NewProcessor(db, archiver, cfg.Paths.IncomingDir, cfg.Pipeline.BatchSize)
	aggregator := aggregate.New(db, cfg.Aggregate,
		aggregate.ScreenUnlocks,
		aggregate.NotificationResponseRate,
	)
	runner := scheduler.NewRunner(db, processor, aggregator, cfg.Pipeline)

	if *runOnce {
		scope := scheduler.RunScope{
			UserID:   *userID,
			Date:     *date,
			Lookback: *lookback,
		}
		if scope.Date != "" && scope.UserID == "" {
			logging.Fatal().Msg("-date requires -user")
		}
		stats, err := runner.RunOnce(context.Background(), scope)
		if err != nil {
			logging.Fatal().Err(err).Msg("Pipeline run failed")
		}
		logging.Info().
			Int("files_processed", stats.FilesProcessed).
			Int("events_inserted", stats.Counts.Inserted).
			Int("users_succeeded", stats.UsersSucceeded).
			Int("users_failed", stats.UsersFailed).
			Dur("duration", stats.Duration).
			Msg("Pipeline run complete")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := api.NewHandler(db, runner)
	defer handler.Close()
	runner.OnRunComplete(handler.InvalidateCache)

	tree := supervisor.New(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(runner)
	tree.AddAPIService(api.NewServer(cfg.Server, handler))

	errCh := tree.ServeBackground(ctx)
	logging.Info().Msg("Studyflow pipeline started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		select {
		case <-errCh:
		case <-time.After(30 * time.Second):
			logging.Warn().Msg("Shutdown timed out")
			if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
				for _, svc := range report {
					logging.Warn().Str("service", svc.Name).Msg("Service did not stop")
				}
			}
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Fatal().Err(err).Msg("Supervisor exited")
		}
	}

	logging.Info().Msg("Studyflow pipeline stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
