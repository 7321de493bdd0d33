// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dkressner/studyflow/internal/models"
)

// UpsertSummary writes a recomputed daily summary, replacing any prior row
// for the same (user, date). The summary is always written whole, never
// patched, so a replay of the same event set leaves the row unchanged
// apart from its updated_at bookkeeping.
func (db *DB) UpsertSummary(ctx context.Context, s *models.DailySummary) error {
	modalityCounts, err := json.Marshal(s.ModalityCounts)
	if err != nil {
		return fmt.Errorf("marshal modality counts: %w", err)
	}
	var extensions any
	if len(s.Extensions) > 0 {
		raw, err := json.Marshal(s.Extensions)
		if err != nil {
			return fmt.Errorf("marshal extensions: %w", err)
		}
		extensions = string(raw)
	}

	return db.guardWrite(func() error {
		ctx, cancel := db.ensureContext(ctx)
		defer cancel()

		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO daily_summaries
				(user_id, date, timezone, wear_seconds, active_seconds, distance_meters,
				 ema_responded, ema_scheduled, modality_counts, total_events, extensions, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, now())
			ON CONFLICT (user_id, date) DO UPDATE SET
				timezone = excluded.timezone,
				wear_seconds = excluded.wear_seconds,
				active_seconds = excluded.active_seconds,
				distance_meters = excluded.distance_meters,
				ema_responded = excluded.ema_responded,
				ema_scheduled = excluded.ema_scheduled,
				modality_counts = excluded.modality_counts,
				total_events = excluded.total_events,
				extensions = excluded.extensions,
				updated_at = now()`,
			s.UserID, s.Date, s.Timezone, s.WearSeconds, s.ActiveSeconds, s.DistanceMeters,
			s.EMAResponded, s.EMAScheduled, string(modalityCounts), s.TotalEvents, extensions)
		if err != nil {
			return fmt.Errorf("upsert summary %s/%s: %w", s.UserID, s.Date, err)
		}
		return nil
	})
}

const summaryColumns = `user_id, date, timezone, wear_seconds, active_seconds,
	distance_meters, ema_responded, ema_scheduled, CAST(modality_counts AS VARCHAR),
	total_events, CAST(extensions AS VARCHAR)`

// GetSummary fetches one summary row. A missing row returns ErrNotFound,
// which is distinct from a stored all-zero summary: the former means the
// day was never aggregated, the latter that aggregation found no data.
func (db *DB) GetSummary(ctx context.Context, userID, date string) (*models.DailySummary, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM daily_summaries WHERE user_id = ? AND date = ?`,
		userID, date)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: summary %s/%s", ErrNotFound, userID, date)
	}
	return s, err
}

// ListSummaries returns a user's summaries with date in [from, to],
// ordered by date. Empty bounds are open.
func (db *DB) ListSummaries(ctx context.Context, userID, from, to string) ([]models.DailySummary, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := `SELECT ` + summaryColumns + ` FROM daily_summaries WHERE user_id = ?`
	args := []any{userID}
	if from != "" {
		query += ` AND date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY date ASC`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.DailySummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *s)
	}
	return summaries, rows.Err()
}

func scanSummary(row rowScanner) (*models.DailySummary, error) {
	var (
		s              models.DailySummary
		modalityCounts string
		extensions     sql.NullString
	)
	err := row.Scan(&s.UserID, &s.Date, &s.Timezone, &s.WearSeconds, &s.ActiveSeconds,
		&s.DistanceMeters, &s.EMAResponded, &s.EMAScheduled, &modalityCounts,
		&s.TotalEvents, &extensions)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(modalityCounts), &s.ModalityCounts); err != nil {
		return nil, fmt.Errorf("unmarshal modality counts for %s/%s: %w", s.UserID, s.Date, err)
	}
	if extensions.Valid && extensions.String != "" {
		if err := json.Unmarshal([]byte(extensions.String), &s.Extensions); err != nil {
			return nil, fmt.Errorf("unmarshal extensions for %s/%s: %w", s.UserID, s.Date, err)
		}
	}
	return &s, nil
}
