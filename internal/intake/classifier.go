// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package intake

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/dkressner/studyflow/internal/models"
)

// sqliteMagic is the 16-byte SQLite file header prefix.
var sqliteMagic = []byte("SQLite format 3\x00")

// Classify determines the container format of an upload. Signals are
// consulted in fixed precedence: file extension, then magic bytes, then
// the declared content type. The first match wins, so a misnamed file
// with a recognizable extension is classified by its name and left to the
// decoder to reject as corrupt.
func Classify(filename, contentType string, head []byte) models.FormatTag {
	if tag := classifyExtension(filename); tag != models.FormatUnknown {
		return tag
	}
	if tag := classifyMagic(head); tag != models.FormatUnknown {
		return tag
	}
	return classifyContentType(contentType)
}

func classifyExtension(filename string) models.FormatTag {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wsd":
		return models.FormatWearable
	case ".db", ".sqlite":
		return models.FormatPhoneDB
	case ".jsonl", ".ndjson", ".json":
		return models.FormatJSONStream
	default:
		return models.FormatUnknown
	}
}

func classifyMagic(head []byte) models.FormatTag {
	// Wearable containers carry ".WSD" at offset 8 of the header.
	if len(head) >= 12 && string(head[8:12]) == ".WSD" {
		return models.FormatWearable
	}
	if bytes.HasPrefix(head, sqliteMagic) {
		return models.FormatPhoneDB
	}
	if trimmed := bytes.TrimLeft(head, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		return models.FormatJSONStream
	}
	return models.FormatUnknown
}

func classifyContentType(contentType string) models.FormatTag {
	// Strip any media type parameters.
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	switch strings.TrimSpace(strings.ToLower(contentType)) {
	case "application/vnd.wearable+binary":
		return models.FormatWearable
	case "application/x-sqlite3":
		return models.FormatPhoneDB
	case "application/x-ndjson":
		return models.FormatJSONStream
	default:
		return models.FormatUnknown
	}
}
