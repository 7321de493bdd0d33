// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package archive moves fully processed upload files out of the incoming
// area. Processed files land under the processed directory, quarantined
// files under the exceptions directory, both keyed by user. Moves use
// os.Rename so a file is always either at its old or its new path, never
// half-copied.
package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dkressner/studyflow/internal/logging"
	"github.com/dkressner/studyflow/internal/models"
)

// Archiver relocates finalized upload files.
type Archiver struct {
	processedDir  string
	exceptionsDir string
}

// New returns an Archiver writing into the two terminal areas.
func New(processedDir, exceptionsDir string) *Archiver {
	return &Archiver{
		processedDir:  processedDir,
		exceptionsDir: exceptionsDir,
	}
}

// Archive moves the upload's file into the area matching its terminal
// state and returns the destination path. The provenance row must already
// be finalized; a crash between finalization and the move leaves the file
// in incoming, where the next run re-finalizes it as a duplicate and
// retries only the move.
func (a *Archiver) Archive(f *models.UploadedFile, state models.UploadState) (string, error) {
	var area string
	switch state {
	case models.UploadProcessed:
		area = a.processedDir
	case models.UploadException:
		area = a.exceptionsDir
	default:
		return "", fmt.Errorf("archive %s: %q is not a terminal state", f.ID, state)
	}

	destDir := filepath.Join(area, f.UserID)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("create archive directory %s: %w", destDir, err)
	}

	dest := filepath.Join(destDir, f.Filename)
	if _, err := os.Stat(dest); err == nil {
		// A same-named file is already archived; disambiguate by upload ID.
		dest = filepath.Join(destDir, f.ID.String()+"-"+f.Filename)
	}

	if err := os.Rename(f.StoragePath, dest); err != nil {
		return "", fmt.Errorf("archive %s: %w", f.StoragePath, err)
	}

	logging.Debug().
		Str("upload_id", f.ID.String()).
		Str("state", string(state)).
		Str("dest", dest).
		Msg("Upload archived")
	return dest, nil
}
