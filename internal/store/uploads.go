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
	"time"

	"github.com/google/uuid"

	"github.com/dkressner/studyflow/internal/models"
)

// CreateUpload records a new pending upload. Provenance is written before
// the first decode attempt so a crash mid-processing leaves a pending row
// for the next run instead of an untracked file.
func (db *DB) CreateUpload(ctx context.Context, f *models.UploadedFile) error {
	return db.guardWrite(func() error {
		ctx, cancel := db.ensureContext(ctx)
		defer cancel()

		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO uploaded_files
				(id, user_id, filename, content_type, format, uploaded_at, storage_path, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID.String(), f.UserID, f.Filename, nullIfEmpty(f.ContentType),
			string(f.Format), f.UploadedAt.UTC(), f.StoragePath, string(f.State))
		if err != nil {
			return fmt.Errorf("insert upload %s: %w", f.ID, err)
		}
		return nil
	})
}

// FinalizeUpload transitions a pending upload to a terminal state,
// recording the ingest counts and the first error if any. The transition
// is a compare-and-swap on state: once a row is terminal it never changes,
// and a second finalization attempt returns ErrAlreadyFinalized.
func (db *DB) FinalizeUpload(ctx context.Context, id uuid.UUID, state models.UploadState, errMsg *string, counts models.IngestCounts) error {
	if !state.Terminal() {
		return fmt.Errorf("finalize upload %s: %q is not a terminal state", id, state)
	}

	var affected int64
	err := db.guardWrite(func() error {
		ctx, cancel := db.ensureContext(ctx)
		defer cancel()

		res, err := db.conn.ExecContext(ctx, `
			UPDATE uploaded_files
			SET state = ?, error_message = ?, finalized_at = ?,
			    inserted = ?, duplicate = ?, failed = ?, unknown = ?
			WHERE id = ? AND state = ?`,
			string(state), nullableString(errMsg), time.Now().UTC(),
			counts.Inserted, counts.Duplicate, counts.Failed, counts.Unknown,
			id.String(), string(models.UploadPending))
		if err != nil {
			return fmt.Errorf("finalize upload %s: %w", id, err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row is already terminal or it does not exist.
		if _, getErr := db.GetUpload(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	}
	return nil
}

const uploadColumns = `id, user_id, filename, content_type, format, uploaded_at,
	storage_path, state, error_message, finalized_at, inserted, duplicate, failed, unknown`

// GetUpload fetches one upload record by ID.
func (db *DB) GetUpload(ctx context.Context, id uuid.UUID) (*models.UploadedFile, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploaded_files WHERE id = ?`, id.String())
	f, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: upload %s", ErrNotFound, id)
	}
	return f, err
}

// LatestUploadByPath fetches the most recent upload record whose file
// lives at the given storage path. Incoming paths are reused across a
// study (a participant re-uploading events.jsonl lands on the same path),
// so only the newest record describes the file currently on disk; a
// pending row wins over an older terminal one.
func (db *DB) LatestUploadByPath(ctx context.Context, path string) (*models.UploadedFile, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM uploaded_files WHERE storage_path = ?
		 ORDER BY state = 'pending' DESC, uploaded_at DESC LIMIT 1`, path)
	f, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: upload at %s", ErrNotFound, path)
	}
	return f, err
}

// ListPendingUploads returns uploads awaiting processing, oldest first.
func (db *DB) ListPendingUploads(ctx context.Context) ([]models.UploadedFile, error) {
	return db.listUploads(ctx,
		`SELECT `+uploadColumns+` FROM uploaded_files WHERE state = ? ORDER BY uploaded_at ASC`,
		string(models.UploadPending))
}

// ListUserUploads returns one user's uploads, newest first.
func (db *DB) ListUserUploads(ctx context.Context, userID string, limit int) ([]models.UploadedFile, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listUploads(ctx,
		`SELECT `+uploadColumns+` FROM uploaded_files WHERE user_id = ? ORDER BY uploaded_at DESC LIMIT ?`,
		userID, limit)
}

// ListExceptions returns uploads quarantined in exception state, newest
// first, for operator review.
func (db *DB) ListExceptions(ctx context.Context, limit int) ([]models.UploadedFile, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listUploads(ctx,
		`SELECT `+uploadColumns+` FROM uploaded_files WHERE state = ? ORDER BY finalized_at DESC LIMIT ?`,
		string(models.UploadException), limit)
}

func (db *DB) listUploads(ctx context.Context, query string, args ...any) ([]models.UploadedFile, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var files []models.UploadedFile
	for rows.Next() {
		f, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*models.UploadedFile, error) {
	var (
		f           models.UploadedFile
		format      string
		state       string
		contentType sql.NullString
		errMsg      sql.NullString
		finalizedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &f.UserID, &f.Filename, &contentType, &format, &f.UploadedAt,
		&f.StoragePath, &state, &errMsg, &finalizedAt,
		&f.Counts.Inserted, &f.Counts.Duplicate, &f.Counts.Failed, &f.Counts.Unknown)
	if err != nil {
		return nil, err
	}

	f.ContentType = contentType.String
	f.Format = models.FormatTag(format)
	f.State = models.UploadState(state)
	f.UploadedAt = f.UploadedAt.UTC()
	if errMsg.Valid {
		f.ErrorMessage = &errMsg.String
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time.UTC()
		f.FinalizedAt = &t
	}
	return &f, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
