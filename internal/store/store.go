// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package store persists events, upload provenance, watermarks, and daily
// summaries in a single DuckDB database.
//
// Writes go through a circuit breaker: once the database has failed
// repeatedly, callers get ErrStoreUnavailable immediately instead of
// stacking up timeouts, and the batch run records the affected files as
// still pending for the next cadence.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/logging"

	_ "github.com/duckdb/duckdb-go/v2"
)

var (
	// ErrStoreUnavailable indicates the store is down or the circuit
	// breaker is open; the attempted write did not happen.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyFinalized indicates an upload is already in a terminal
	// state and cannot transition again.
	ErrAlreadyFinalized = errors.New("upload already finalized")
)

const defaultTimeout = 30 * time.Second

// DB wraps the DuckDB connection and provides data access methods.
type DB struct {
	conn    *sql.DB
	cfg     *config.DatabaseConfig
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
}

// Open opens (creating if needed) the database at cfg.Path and initializes
// the schema. storeTimeout bounds individual operations that arrive
// without a deadline; zero selects a default.
func Open(cfg *config.DatabaseConfig, storeTimeout time.Duration) (*DB, error) {
	if storeTimeout <= 0 {
		storeTimeout = defaultTimeout
	}

	dbDir := filepath.Dir(cfg.Path)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
		}
	}

	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "2GB"
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		cfg.Path, numThreads, maxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// DuckDB is an embedded single-writer engine; a small pool avoids
	// write contention between workers.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{
		conn:    conn,
		cfg:     cfg,
		timeout: storeTimeout,
		breaker: newWriteBreaker(),
	}

	if err := db.createTables(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", numThreads).Msg("Event store opened")
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// ensureContext guarantees a deadline on store operations.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), db.timeout)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return context.WithTimeout(ctx, db.timeout)
	}
	return ctx, func() {}
}

// newWriteBreaker builds the circuit breaker guarding write operations.
// Five consecutive failures open the circuit; after 30 seconds a probe
// request is allowed through.
func newWriteBreaker() *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "event-store-writes",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store write breaker state change")
		},
	})
}

// guardWrite runs a write through the breaker, translating an open
// circuit into ErrStoreUnavailable.
func (db *DB) guardWrite(fn func() error) error {
	_, err := db.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return err
	}
	return nil
}
