// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package models

import (
	"time"

	"github.com/google/uuid"
)

// FormatTag identifies which decoder handles an uploaded file.
type FormatTag string

// Supported container formats.
const (
	FormatWearable   FormatTag = "wearable"   // binary wearable container (.wsd)
	FormatPhoneDB    FormatTag = "phonedb"    // structured phone log (SQLite)
	FormatJSONStream FormatTag = "jsonstream" // newline-delimited JSON events
	FormatUnknown    FormatTag = "unknown"
)

// UploadState is the processing state of an uploaded file.
type UploadState string

// Upload processing states. Pending is the only non-terminal state; a file
// in processed or exception state is immutable.
const (
	UploadPending   UploadState = "pending"
	UploadProcessed UploadState = "processed"
	UploadException UploadState = "exception"
)

// Terminal reports whether the state permits no further transitions.
func (s UploadState) Terminal() bool {
	return s == UploadProcessed || s == UploadException
}

// UploadedFile is the provenance record for one uploaded file. The external
// upload layer creates the initial pending record; only the archival
// manager transitions it afterwards.
type UploadedFile struct {
	ID          uuid.UUID   `json:"id"`
	UserID      string      `json:"user_id"`
	Filename    string      `json:"filename"`
	ContentType string      `json:"content_type,omitempty"`
	Format      FormatTag   `json:"format"`
	UploadedAt  time.Time   `json:"uploaded_at"`
	StoragePath string      `json:"storage_path"`
	State       UploadState `json:"state"`

	// ErrorMessage holds the first error for files in exception state.
	ErrorMessage *string `json:"error_message,omitempty"`

	// FinalizedAt is set when the file reaches a terminal state.
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`

	// Counts is the ingest outcome recorded at finalization.
	Counts IngestCounts `json:"counts"`
}

// IngestCounts summarizes one file's write outcome.
type IngestCounts struct {
	Inserted  int `json:"inserted"`
	Duplicate int `json:"duplicate"`
	Failed    int `json:"failed"`
	Unknown   int `json:"unknown"` // records preserved as unknown events
}

// Add accumulates another count set into this one.
func (c *IngestCounts) Add(other IngestCounts) {
	c.Inserted += other.Inserted
	c.Duplicate += other.Duplicate
	c.Failed += other.Failed
	c.Unknown += other.Unknown
}
