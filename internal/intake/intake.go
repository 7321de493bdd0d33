// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package intake moves one uploaded file through its whole life cycle:
// provenance, classification, decoding, event writes, finalization, and
// the hand-off to the archiver. The ordering is deliberate - provenance
// is recorded before the first decode attempt and the provenance row is
// finalized before the file moves - so that a crash at any point leaves
// either a pending record (retried next run) or a finalized record whose
// file move is retried, never an untracked or half-processed file.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dkressner/studyflow/internal/archive"
	"github.com/dkressner/studyflow/internal/decoder"
	"github.com/dkressner/studyflow/internal/logging"
	"github.com/dkressner/studyflow/internal/metrics"
	"github.com/dkressner/studyflow/internal/models"
	"github.com/dkressner/studyflow/internal/store"
)

// Processor ingests uploaded files into the event store.
type Processor struct {
	db          *store.DB
	archiver    *archive.Archiver
	incomingDir string
	batchSize   int
}

// NewProcessor wires an intake processor.
func NewProcessor(db *store.DB, archiver *archive.Archiver, incomingDir string, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = 2000
	}
	return &Processor{
		db:          db,
		archiver:    archiver,
		incomingDir: incomingDir,
		batchSize:   batchSize,
	}
}

// DiscoverIncoming scans the incoming area (laid out incoming/<user>/<file>)
// and records provenance for files that have none yet. A file whose latest
// record is terminal and older than the file itself is a fresh upload
// reusing the path and gets a new pending record; one whose record is
// terminal but newer is a straggler from a crash between finalization and
// the move, and its archive step is retried here. It returns all pending
// uploads, including ones recorded by the external upload layer.
func (p *Processor) DiscoverIncoming(ctx context.Context) ([]models.UploadedFile, error) {
	err := filepath.WalkDir(p.incomingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		userID := filepath.Base(filepath.Dir(path))
		if filepath.Dir(path) == p.incomingDir {
			logging.Warn().Str("path", path).Msg("File directly under incoming root, skipping")
			return nil
		}

		existing, err := p.db.LatestUploadByPath(ctx, path)
		switch {
		case err == nil && !existing.State.Terminal():
			return nil // pending record exists, ListPendingUploads picks it up
		case err == nil && !supersedes(d, existing):
			// Finalized but never moved; retry the move.
			if _, archErr := p.archiver.Archive(existing, existing.State); archErr != nil {
				logging.Warn().Err(archErr).Str("upload_id", existing.ID.String()).Msg("Archive retry failed")
			}
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}

		f := &models.UploadedFile{
			ID:          uuid.New(),
			UserID:      userID,
			Filename:    d.Name(),
			Format:      p.classifyFile(path, d.Name()),
			UploadedAt:  time.Now().UTC(),
			StoragePath: path,
			State:       models.UploadPending,
		}
		if err := p.db.CreateUpload(ctx, f); err != nil {
			return fmt.Errorf("record discovered upload %s: %w", path, err)
		}
		logging.Debug().Str("path", path).Str("format", string(f.Format)).Msg("Discovered upload")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan incoming area: %w", err)
	}

	return p.db.ListPendingUploads(ctx)
}

// supersedes reports whether the file on disk is a new occupant of a path
// whose latest upload record is already terminal, rather than a straggler
// whose archive move failed. A straggler's content predates its record's
// finalization; a re-upload on the same path lands after it.
func supersedes(d fs.DirEntry, existing *models.UploadedFile) bool {
	info, err := d.Info()
	if err != nil {
		return false
	}
	ref := existing.UploadedAt
	if existing.FinalizedAt != nil {
		ref = *existing.FinalizedAt
	}
	return info.ModTime().After(ref)
}

// classifyFile classifies by name and a peek at the file's leading bytes.
// Discovery has no declared content type to fall back to.
func (p *Processor) classifyFile(path, name string) models.FormatTag {
	head := make([]byte, 16)
	fh, err := os.Open(path)
	if err != nil {
		return classifyExtension(name)
	}
	defer fh.Close() //nolint:errcheck // read-only handle

	n, err := io.ReadFull(fh, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return classifyExtension(name)
	}
	return Classify(name, "", head[:n])
}

// ProcessFile runs one pending upload to a terminal state. Classification
// or container failures finalize the file as an exception; store
// unavailability leaves it pending for the next run and returns the error.
func (p *Processor) ProcessFile(ctx context.Context, f *models.UploadedFile) (models.IngestCounts, error) {
	var counts models.IngestCounts

	data, err := os.ReadFile(f.StoragePath)
	if err != nil {
		return counts, p.quarantine(ctx, f, counts, fmt.Errorf("read upload: %w", err))
	}

	tag := f.Format
	if tag == "" || tag == models.FormatUnknown {
		tag = Classify(f.Filename, f.ContentType, data)
	}
	if tag == models.FormatUnknown {
		return counts, p.quarantine(ctx, f, counts, decoder.ErrUnrecognizedFormat)
	}

	dec, err := decoder.ForFormat(tag)
	if err != nil {
		return counts, p.quarantine(ctx, f, counts, err)
	}

	decodeStart := time.Now()
	result, err := dec.Decode(ctx, f.UserID, data)
	metrics.ObserveDecode(string(tag), decodeStart)
	if err != nil {
		if errors.Is(err, decoder.ErrCorruptContainer) {
			return counts, p.quarantine(ctx, f, counts, err)
		}
		return counts, fmt.Errorf("decode %s: %w", f.Filename, err)
	}
	counts.Unknown = result.Unknown

	for start := 0; start < len(result.Events); start += p.batchSize {
		end := min(start+p.batchSize, len(result.Events))
		batchCounts, err := p.db.InsertEvents(ctx, f.ID, result.Events[start:end])
		counts.Add(batchCounts)
		if err != nil {
			// The file stays pending; the primary key makes the partial
			// write harmless on retry.
			return counts, fmt.Errorf("write events for %s: %w", f.Filename, err)
		}
	}
	metrics.CountEvents(counts.Inserted, counts.Duplicate, counts.Failed, counts.Unknown)

	if err := p.finalize(ctx, f, models.UploadProcessed, nil, counts); err != nil {
		return counts, err
	}
	p.advanceWatermarks(ctx, f, result.Events)
	metrics.FilesProcessed.WithLabelValues(string(tag), "processed").Inc()

	if _, err := p.archiver.Archive(f, models.UploadProcessed); err != nil {
		// The record is terminal; discovery retries the move next run.
		logging.Warn().Err(err).Str("upload_id", f.ID.String()).Msg("Archive failed, will retry")
	}

	logging.Info().
		Str("upload_id", f.ID.String()).
		Str("user_id", f.UserID).
		Str("format", string(tag)).
		Int("inserted", counts.Inserted).
		Int("duplicate", counts.Duplicate).
		Int("failed", counts.Failed).
		Int("unknown", counts.Unknown).
		Msg("Upload processed")
	return counts, nil
}

// quarantine finalizes a file as an exception and moves it aside. The
// first error is preserved on the provenance row for operator review.
func (p *Processor) quarantine(ctx context.Context, f *models.UploadedFile, counts models.IngestCounts, cause error) error {
	msg := cause.Error()
	if err := p.finalize(ctx, f, models.UploadException, &msg, counts); err != nil {
		return err
	}
	metrics.FilesProcessed.WithLabelValues(string(f.Format), "exception").Inc()

	if _, err := p.archiver.Archive(f, models.UploadException); err != nil {
		logging.Warn().Err(err).Str("upload_id", f.ID.String()).Msg("Exception archive failed, will retry")
	}
	logging.Warn().
		Str("upload_id", f.ID.String()).
		Str("user_id", f.UserID).
		Str("filename", f.Filename).
		Str("reason", msg).
		Msg("Upload quarantined")
	return nil
}

// finalize transitions the provenance row, tolerating a replayed
// finalization of an already terminal record.
func (p *Processor) finalize(ctx context.Context, f *models.UploadedFile, state models.UploadState, errMsg *string, counts models.IngestCounts) error {
	err := p.db.FinalizeUpload(ctx, f.ID, state, errMsg, counts)
	if errors.Is(err, store.ErrAlreadyFinalized) {
		logging.Debug().Str("upload_id", f.ID.String()).Msg("Upload was already finalized")
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize %s: %w", f.Filename, err)
	}
	return nil
}

// advanceWatermarks pushes per-modality watermarks to the newest event
// time this file contributed. The watermarks feed the per-user data-flow
// report on the API; a failed advance only stales that report until the
// next upload.
func (p *Processor) advanceWatermarks(ctx context.Context, f *models.UploadedFile, events []models.Event) {
	latest := make(map[models.Modality]time.Time)
	for i := range events {
		if ts, ok := latest[events[i].Modality]; !ok || events[i].Timestamp.After(ts) {
			latest[events[i].Modality] = events[i].Timestamp
		}
	}
	for modality, ts := range latest {
		w := &models.ProcessingWatermark{
			UserID:        f.UserID,
			Modality:      modality,
			LastEventTime: ts,
			LastFileID:    f.ID,
		}
		if err := p.db.AdvanceWatermark(ctx, w); err != nil {
			logging.Warn().Err(err).Str("user_id", f.UserID).Str("modality", string(modality)).Msg("Watermark advance failed")
		}
	}
}
