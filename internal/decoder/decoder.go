// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package decoder turns raw upload payloads into typed events.
//
// Each supported upload format has one Decoder. A decoder never talks to
// the event store: it returns the full slice of decoded events and leaves
// deduplication to the writer. Records a decoder cannot interpret are
// preserved as unknown events rather than dropped, so no uploaded data is
// silently lost. Only structural damage to the container itself (truncated
// headers, checksum failures, unattachable database files) aborts a decode.
package decoder

import (
	"context"
	"errors"

	"github.com/dkressner/studyflow/internal/models"
)

var (
	// ErrUnrecognizedFormat indicates a file matched no known format by
	// extension, magic bytes, or declared content type.
	ErrUnrecognizedFormat = errors.New("unrecognized upload format")

	// ErrCorruptContainer indicates the container structure of an upload is
	// damaged and no records can be safely extracted from it.
	ErrCorruptContainer = errors.New("corrupt upload container")
)

// Result holds the outcome of decoding a single upload.
type Result struct {
	// Events contains every decoded event, including unknown events for
	// records that could not be interpreted.
	Events []models.Event

	// Records is the total number of records encountered in the container.
	Records int

	// Unknown is the number of records preserved as unknown events.
	Unknown int
}

// Decoder decodes one upload format into typed events.
type Decoder interface {
	// Format reports which upload format this decoder handles.
	Format() models.FormatTag

	// Decode parses the raw upload bytes attributed to the given user.
	// It returns ErrCorruptContainer when the container structure is
	// damaged; individual undecodable records do not fail the decode.
	Decode(ctx context.Context, userID string, data []byte) (*Result, error)
}

// ForFormat returns the decoder for a classified format tag, or
// ErrUnrecognizedFormat when no decoder exists for it.
func ForFormat(tag models.FormatTag) (Decoder, error) {
	switch tag {
	case models.FormatWearable:
		return NewWearableDecoder(), nil
	case models.FormatPhoneDB:
		return NewPhoneDBDecoder(), nil
	case models.FormatJSONStream:
		return NewJSONStreamDecoder(), nil
	default:
		return nil, ErrUnrecognizedFormat
	}
}

func (r *Result) addUnknown(e models.Event) {
	r.Events = append(r.Events, e)
	r.Records++
	r.Unknown++
}

func (r *Result) add(e models.Event) {
	r.Events = append(r.Events, e)
	r.Records++
}
