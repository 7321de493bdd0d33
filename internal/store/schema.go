// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package store

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core tables and indexes.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("execute schema statement: %s: %w", query, err)
		}
	}
	return nil
}

// tableCreationQueries returns the schema DDL. All columns are defined in
// the initial CREATE TABLE statements; there are no runtime migrations.
func tableCreationQueries() []string {
	return []string{
		// Events table. The primary key is the event natural key, which
		// makes ingestion idempotent: replays of the same upload collide
		// on the key and are dropped by ON CONFLICT DO NOTHING.
		`CREATE TABLE IF NOT EXISTS events (
			user_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			discriminator TEXT NOT NULL DEFAULT '',
			payload JSON,
			parse_note TEXT,
			source_file_id UUID,
			inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, modality, ts, discriminator)
		)`,

		// Upload provenance. A row is created before the first decode
		// attempt so a crash mid-processing leaves a pending record
		// rather than an orphaned file.
		`CREATE TABLE IF NOT EXISTS uploaded_files (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT,
			format TEXT NOT NULL,
			uploaded_at TIMESTAMP NOT NULL,
			storage_path TEXT NOT NULL,
			state TEXT NOT NULL,
			error_message TEXT,
			finalized_at TIMESTAMP,
			inserted INTEGER NOT NULL DEFAULT 0,
			duplicate INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			unknown INTEGER NOT NULL DEFAULT 0
		)`,

		// Daily summaries keyed by user and local date. updated_at is
		// store bookkeeping, not part of the computed summary value.
		`CREATE TABLE IF NOT EXISTS daily_summaries (
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			timezone TEXT NOT NULL,
			wear_seconds BIGINT NOT NULL DEFAULT 0,
			active_seconds BIGINT NOT NULL DEFAULT 0,
			distance_meters DOUBLE NOT NULL DEFAULT 0,
			ema_responded BIGINT NOT NULL DEFAULT 0,
			ema_scheduled BIGINT NOT NULL DEFAULT 0,
			modality_counts JSON NOT NULL,
			total_events BIGINT NOT NULL DEFAULT 0,
			extensions JSON,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, date)
		)`,

		// Per-(user, modality) processing watermarks.
		`CREATE TABLE IF NOT EXISTS watermarks (
			user_id TEXT NOT NULL,
			modality TEXT NOT NULL,
			last_event_time TIMESTAMP NOT NULL,
			last_file_id UUID,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, modality)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events (user_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_inserted_at ON events (inserted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_uploaded_files_state ON uploaded_files (state)`,
		`CREATE INDEX IF NOT EXISTS idx_uploaded_files_user ON uploaded_files (user_id, uploaded_at)`,
	}
}
