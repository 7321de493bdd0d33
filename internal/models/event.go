// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package models defines the data structures shared across the Studyflow
// pipeline: sensor events, upload provenance records, daily summaries, and
// processing watermarks.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Modality is a category of sensed data. Each modality has its own event
// payload shape and logical store collection.
type Modality string

// Known modalities. Phone modalities come from the structured phone log,
// wearable modalities from the binary wearable container, and the survey/
// usage modalities from the JSON event stream.
const (
	ModalityLocation      Modality = "location"
	ModalityBattery       Modality = "battery"
	ModalityScreen        Modality = "screen"
	ModalityActivity      Modality = "activity"
	ModalitySteps         Modality = "steps"
	ModalityAppUsage      Modality = "app_usage"
	ModalityNotification  Modality = "notification"
	ModalityEMAResponse   Modality = "ema_response"
	ModalityEMAStatus     Modality = "ema_status"
	ModalityDiary         Modality = "diary"
	ModalityHeartRate     Modality = "heart_rate"
	ModalityStress        Modality = "stress"
	ModalityWearState     Modality = "wear_state"
	ModalityWearableSteps Modality = "wearable_steps"
	ModalityUnknown       Modality = "unknown"
)

// unknownNamespace seeds deterministic discriminators for unknown events so
// re-ingesting the same raw record never creates a second copy.
var unknownNamespace = uuid.MustParse("7b7ad53c-2fd9-4b2f-9c63-508a1f8b1d0a")

// Event is the common envelope for one logical sensor observation.
//
// The natural key (UserID, Modality, Timestamp, Discriminator) uniquely
// identifies an observation; the event store enforces at-most-one stored
// copy per key, which makes repeated ingestion of the same file safe.
// Events are never mutated after creation.
type Event struct {
	UserID   string   `json:"user_id"`
	Modality Modality `json:"modality"`

	// Timestamp is UTC with millisecond precision.
	Timestamp time.Time `json:"timestamp"`

	// Discriminator disambiguates observations sharing a timestamp within
	// one modality (e.g. app name for app_usage, survey id for EMA).
	// Empty for modalities where (user, modality, timestamp) is unique.
	Discriminator string `json:"discriminator,omitempty"`

	// Payload holds the modality-specific fields.
	Payload map[string]any `json:"payload,omitempty"`

	// ParseNote carries the decode error that demoted a record to the
	// unknown modality. Empty for cleanly decoded events.
	ParseNote string `json:"parse_note,omitempty"`
}

// NaturalKey returns the canonical string form of the event's natural key.
func (e *Event) NaturalKey() string {
	return fmt.Sprintf("%s:%s:%d:%s", e.UserID, e.Modality, e.Timestamp.UnixMilli(), e.Discriminator)
}

// NewLocationEvent builds a location fix event.
func NewLocationEvent(userID string, ts time.Time, lat, lon, accuracy, altitude float64) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityLocation,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"latitude":  lat,
			"longitude": lon,
			"accuracy":  accuracy,
			"altitude":  altitude,
		},
	}
}

// NewBatteryEvent builds a battery level event.
func NewBatteryEvent(userID string, ts time.Time, level int, state int) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityBattery,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"level": level,
			"state": state,
		},
	}
}

// NewScreenEvent builds a lock/unlock state-change event. locked=false
// means the screen became active.
func NewScreenEvent(userID string, ts time.Time, locked bool) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityScreen,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"locked": locked,
		},
	}
}

// NewActivityEvent builds a motion-activity classification event.
func NewActivityEvent(userID string, ts time.Time, activity string, confidence int) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityActivity,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"activity":   activity,
			"confidence": confidence,
		},
	}
}

// NewStepsEvent builds a phone step-count interval event.
func NewStepsEvent(userID string, start, end time.Time, steps int64, distance float64) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalitySteps,
		Timestamp: start.UTC(),
		Payload: map[string]any{
			"end_timestamp": end.UTC().UnixMilli(),
			"steps":         steps,
			"distance":      distance,
		},
	}
}

// NewAppUsageEvent builds an app foreground/background event. The app name
// participates in the natural key because several apps can report at the
// same millisecond.
func NewAppUsageEvent(userID string, ts time.Time, appName, status string) Event {
	return Event{
		UserID:        userID,
		Modality:      ModalityAppUsage,
		Timestamp:     ts.UTC(),
		Discriminator: appName,
		Payload: map[string]any{
			"app_name": appName,
			"status":   status,
		},
	}
}

// NewNotificationEvent builds a study-notification delivery event.
func NewNotificationEvent(userID string, ts time.Time, notificationID, status string) Event {
	return Event{
		UserID:        userID,
		Modality:      ModalityNotification,
		Timestamp:     ts.UTC(),
		Discriminator: notificationID,
		Payload: map[string]any{
			"notification_id": notificationID,
			"status":          status,
		},
	}
}

// NewEMAResponseEvent builds an ecological-momentary-assessment response
// event. responses maps question ids to answers.
func NewEMAResponseEvent(userID string, ts time.Time, surveyID string, responses map[string]any) Event {
	return Event{
		UserID:        userID,
		Modality:      ModalityEMAResponse,
		Timestamp:     ts.UTC(),
		Discriminator: surveyID,
		Payload: map[string]any{
			"survey_id": surveyID,
			"responses": responses,
		},
	}
}

// NewEMAStatusEvent builds an EMA lifecycle event (scheduled, delivered,
// dismissed, completed).
func NewEMAStatusEvent(userID string, ts time.Time, surveyID, status string) Event {
	return Event{
		UserID:        userID,
		Modality:      ModalityEMAStatus,
		Timestamp:     ts.UTC(),
		Discriminator: surveyID,
		Payload: map[string]any{
			"survey_id": surveyID,
			"status":    status,
		},
	}
}

// NewDiaryEvent builds a diary-entry event. Only the entry id and length
// are stored; diary content stays in the source system.
func NewDiaryEvent(userID string, ts time.Time, entryID string, length int) Event {
	return Event{
		UserID:        userID,
		Modality:      ModalityDiary,
		Timestamp:     ts.UTC(),
		Discriminator: entryID,
		Payload: map[string]any{
			"entry_id": entryID,
			"length":   length,
		},
	}
}

// NewHeartRateEvent builds a wearable heart-rate sample.
func NewHeartRateEvent(userID string, ts time.Time, bpm int, status int) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityHeartRate,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"bpm":    bpm,
			"status": status,
		},
	}
}

// NewStressEvent builds a wearable stress-score sample.
func NewStressEvent(userID string, ts time.Time, level int) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityStress,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"level": level,
		},
	}
}

// NewWearStateEvent builds a wearable on-body state-change event.
func NewWearStateEvent(userID string, ts time.Time, worn bool) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityWearState,
		Timestamp: ts.UTC(),
		Payload: map[string]any{
			"worn": worn,
		},
	}
}

// NewWearableStepsEvent builds a wearable step-count interval event.
func NewWearableStepsEvent(userID string, start, end time.Time, steps int64) Event {
	return Event{
		UserID:    userID,
		Modality:  ModalityWearableSteps,
		Timestamp: start.UTC(),
		Payload: map[string]any{
			"end_timestamp": end.UTC().UnixMilli(),
			"steps":         steps,
		},
	}
}

// UnknownEventTime stamps unknown events whose raw record carried no
// parseable observation time. The timestamp is part of the natural key, so
// a wall-clock stamp would mint a fresh key on every ingest of the same
// file; a fixed sentinel keeps replay deduplication intact.
var UnknownEventTime = time.Unix(0, 0).UTC()

// NewUnknownEvent preserves a record the decoders recognized structurally
// but could not type, keeping the raw payload for later reclassification.
// The discriminator is derived deterministically from the raw bytes so the
// same unrecognized record never stores twice.
func NewUnknownEvent(userID string, ts time.Time, raw []byte, note string) Event {
	return Event{
		UserID:        userID,
		Modality:      ModalityUnknown,
		Timestamp:     ts.UTC(),
		Discriminator: uuid.NewSHA1(unknownNamespace, raw).String()[:8],
		Payload: map[string]any{
			"raw": string(raw),
		},
		ParseNote: note,
	}
}

// PayloadFloat reads a numeric payload field, tolerating the numeric types
// JSON round-trips produce.
func (e *Event) PayloadFloat(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// PayloadBool reads a boolean payload field.
func (e *Event) PayloadBool(key string) (bool, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PayloadString reads a string payload field.
func (e *Event) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
