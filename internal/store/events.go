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
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dkressner/studyflow/internal/logging"
	"github.com/dkressner/studyflow/internal/models"
)

// insertChunkSize bounds the multi-row VALUES size of one insert statement.
const insertChunkSize = 500

const insertEventSQL = `INSERT INTO events
	(user_id, modality, ts, discriminator, payload, parse_note, source_file_id)
	VALUES %s
	ON CONFLICT (user_id, modality, ts, discriminator) DO NOTHING`

// InsertEvents writes a batch of events attributed to one source file.
// Replayed events collide on the natural-key primary key and count as
// duplicates; a record that cannot be written counts as failed without
// aborting the rest of the batch.
func (db *DB) InsertEvents(ctx context.Context, fileID uuid.UUID, events []models.Event) (models.IngestCounts, error) {
	var counts models.IngestCounts
	if len(events) == 0 {
		return counts, nil
	}

	// Collapse in-batch replays up front: DuckDB rejects two conflicting
	// rows inside one INSERT statement.
	unique := make([]models.Event, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		key := e.NaturalKey()
		if _, dup := seen[key]; dup {
			counts.Duplicate++
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, e)
	}

	for start := 0; start < len(unique); start += insertChunkSize {
		end := min(start+insertChunkSize, len(unique))
		chunk := unique[start:end]

		chunkCounts, err := db.insertChunk(ctx, fileID, chunk)
		counts.Add(chunkCounts)
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// insertChunk writes one multi-row statement through the breaker, falling
// back to row-by-row inserts when the statement as a whole fails so a
// single bad record cannot sink its neighbors.
func (db *DB) insertChunk(ctx context.Context, fileID uuid.UUID, chunk []models.Event) (models.IngestCounts, error) {
	var counts models.IngestCounts

	placeholders := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*7)
	for i := range chunk {
		rowArgs, err := eventArgs(fileID, &chunk[i])
		if err != nil {
			counts.Failed++
			continue
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, rowArgs...)
	}
	if len(placeholders) == 0 {
		return counts, nil
	}

	var inserted int64
	err := db.guardWrite(func() error {
		ctx, cancel := db.ensureContext(ctx)
		defer cancel()

		query := fmt.Sprintf(insertEventSQL, strings.Join(placeholders, ", "))
		res, err := db.conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	if err == nil {
		counts.Inserted += int(inserted)
		counts.Duplicate += len(placeholders) - int(inserted)
		return counts, nil
	}
	if isUnavailable(err) {
		return counts, err
	}

	// Statement-level failure: retry each row alone and attribute the
	// error to the records that actually carry it.
	logging.Warn().Err(err).Int("chunk", len(chunk)).Msg("Batch insert failed, retrying per record")
	for i := range chunk {
		rowCounts, rowErr := db.insertOne(ctx, fileID, &chunk[i])
		counts.Add(rowCounts)
		if rowErr != nil {
			return counts, rowErr
		}
	}
	return counts, nil
}

// insertOne writes a single event. Row-level errors are absorbed into the
// failed count; only store unavailability propagates.
func (db *DB) insertOne(ctx context.Context, fileID uuid.UUID, e *models.Event) (models.IngestCounts, error) {
	var counts models.IngestCounts

	rowArgs, err := eventArgs(fileID, e)
	if err != nil {
		counts.Failed++
		return counts, nil
	}

	var inserted int64
	err = db.guardWrite(func() error {
		ctx, cancel := db.ensureContext(ctx)
		defer cancel()

		query := fmt.Sprintf(insertEventSQL, "(?, ?, ?, ?, ?, ?, ?)")
		res, err := db.conn.ExecContext(ctx, query, rowArgs...)
		if err != nil {
			return err
		}
		inserted, _ = res.RowsAffected()
		return nil
	})
	switch {
	case err == nil && inserted > 0:
		counts.Inserted++
	case err == nil:
		counts.Duplicate++
	case isUnavailable(err):
		return counts, err
	default:
		logging.Warn().Err(err).Str("key", e.NaturalKey()).Msg("Event rejected by store")
		counts.Failed++
	}
	return counts, nil
}

func eventArgs(fileID uuid.UUID, e *models.Event) ([]any, error) {
	var payload any
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(raw)
	}
	var src any
	if fileID != uuid.Nil {
		src = fileID.String()
	}
	return []any{
		e.UserID,
		string(e.Modality),
		e.Timestamp.UTC(),
		e.Discriminator,
		payload,
		nullIfEmpty(e.ParseNote),
		src,
	}, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// EventsInWindow returns a user's events with timestamps in [from, to),
// ordered by timestamp then modality for deterministic aggregation input.
func (db *DB) EventsInWindow(ctx context.Context, userID string, from, to time.Time) ([]models.Event, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, modality, ts, discriminator, CAST(payload AS VARCHAR), parse_note
		FROM events
		WHERE user_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC, modality ASC, discriminator ASC`,
		userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			e         models.Event
			modality  string
			ts        time.Time
			payload   sql.NullString
			parseNote sql.NullString
		)
		if err := rows.Scan(&e.UserID, &modality, &ts, &e.Discriminator, &payload, &parseNote); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Modality = models.Modality(modality)
		e.Timestamp = ts.UTC()
		e.ParseNote = parseNote.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for %s: %w", e.NaturalKey(), err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// TouchedRange is the observed event-time extent of one user's recently
// inserted events.
type TouchedRange struct {
	UserID string
	First  time.Time
	Last   time.Time
}

// TouchedRanges returns, per user, the event-time extent of events
// inserted into the store at or after since. The scheduler expands each
// range into local dates needing (re)aggregation.
func (db *DB) TouchedRanges(ctx context.Context, since time.Time) ([]TouchedRange, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, MIN(ts), MAX(ts)
		FROM events
		WHERE inserted_at >= ?
		GROUP BY user_id
		ORDER BY user_id`,
		since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query touched ranges: %w", err)
	}
	defer rows.Close()

	var ranges []TouchedRange
	for rows.Next() {
		var tr TouchedRange
		if err := rows.Scan(&tr.UserID, &tr.First, &tr.Last); err != nil {
			return nil, fmt.Errorf("scan touched range: %w", err)
		}
		tr.First = tr.First.UTC()
		tr.Last = tr.Last.UTC()
		ranges = append(ranges, tr)
	}
	return ranges, rows.Err()
}
