// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package models

import (
	"time"

	"github.com/google/uuid"
)

// DailySummary is the per-user, per-local-date aggregate. It is always
// recomputed in full from the event store for its day window and upserted
// as a whole row, so recomputation with an unchanged event set yields an
// identical value (the summary carries no generation timestamp; the store
// records that on the row separately).
type DailySummary struct {
	UserID string `json:"user_id"`

	// Date is the local calendar date in YYYY-MM-DD form.
	Date string `json:"date"`

	// Timezone is the IANA zone the day boundaries were computed in.
	Timezone string `json:"timezone"`

	// WearSeconds is the wearable on-body duration reconstructed from
	// wear_state toggles.
	WearSeconds int64 `json:"wear_seconds"`

	// ActiveSeconds is the phone screen-on duration reconstructed from
	// screen lock/unlock toggles.
	ActiveSeconds int64 `json:"active_seconds"`

	// DistanceMeters is the accumulated great-circle distance between
	// consecutive plausible location fixes.
	DistanceMeters float64 `json:"distance_meters"`

	// EMAResponded and EMAScheduled are survey coverage counts.
	EMAResponded int64 `json:"ema_responded"`
	EMAScheduled int64 `json:"ema_scheduled"`

	// ModalityCounts is the number of stored events per modality in the
	// day window.
	ModalityCounts map[Modality]int64 `json:"modality_counts"`

	// TotalEvents is the sum over ModalityCounts.
	TotalEvents int64 `json:"total_events"`

	// Extensions holds per-deployment metrics merged in by extension
	// functions. Nil when no extensions are configured.
	Extensions map[string]float64 `json:"extensions,omitempty"`
}

// NewZeroSummary returns the summary recorded when no events exist for a
// (user, date) window. A stored all-zero row is distinct from no row at
// all: the former means "aggregated, no data", the latter "never run".
func NewZeroSummary(userID, date, timezone string) *DailySummary {
	return &DailySummary{
		UserID:         userID,
		Date:           date,
		Timezone:       timezone,
		ModalityCounts: map[Modality]int64{},
	}
}

// ProcessingWatermark records the last successfully processed position per
// (user, modality). Advanced only after a run completes for that scope, so
// rescans are bounded without risking skipped data.
type ProcessingWatermark struct {
	UserID        string    `json:"user_id"`
	Modality      Modality  `json:"modality"`
	LastEventTime time.Time `json:"last_event_time"`
	LastFileID    uuid.UUID `json:"last_file_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}
