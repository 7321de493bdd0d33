// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dkressner/studyflow/internal/models"
)

// AdvanceWatermark moves a (user, modality) watermark forward. Watermarks
// only advance: an upsert with an older event time than the stored row is
// a no-op, so interleaved runs cannot move processing backwards.
func (db *DB) AdvanceWatermark(ctx context.Context, w *models.ProcessingWatermark) error {
	var fileID any
	if w.LastFileID != uuid.Nil {
		fileID = w.LastFileID.String()
	}

	return db.guardWrite(func() error {
		ctx, cancel := db.ensureContext(ctx)
		defer cancel()

		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO watermarks (user_id, modality, last_event_time, last_file_id, updated_at)
			VALUES (?, ?, ?, ?, now())
			ON CONFLICT (user_id, modality) DO UPDATE SET
				last_event_time = excluded.last_event_time,
				last_file_id = excluded.last_file_id,
				updated_at = now()
			WHERE excluded.last_event_time > watermarks.last_event_time`,
			w.UserID, string(w.Modality), w.LastEventTime.UTC(), fileID)
		if err != nil {
			return fmt.Errorf("advance watermark %s/%s: %w", w.UserID, w.Modality, err)
		}
		return nil
	})
}

// Watermarks returns all watermarks for a user.
func (db *DB) Watermarks(ctx context.Context, userID string) ([]models.ProcessingWatermark, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, modality, last_event_time, last_file_id, updated_at
		FROM watermarks WHERE user_id = ? ORDER BY modality`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	var marks []models.ProcessingWatermark
	for rows.Next() {
		var (
			w        models.ProcessingWatermark
			modality string
			fileID   uuid.NullUUID
		)
		if err := rows.Scan(&w.UserID, &modality, &w.LastEventTime, &fileID, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		w.Modality = models.Modality(modality)
		w.LastEventTime = w.LastEventTime.UTC()
		w.UpdatedAt = w.UpdatedAt.UTC()
		if fileID.Valid {
			w.LastFileID = fileID.UUID
		}
		marks = append(marks, w)
	}
	return marks, rows.Err()
}
