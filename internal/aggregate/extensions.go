// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package aggregate

import (
	"context"

	"github.com/dkressner/studyflow/internal/models"
)

// ScreenUnlocks counts how often the phone was unlocked in the day
// window and reports it as the "screen_unlocks" extension field.
func ScreenUnlocks(_ context.Context, _, _ string, events []models.Event) (map[string]float64, error) {
	var unlocks float64
	for i := range events {
		if events[i].Modality != models.ModalityScreen {
			continue
		}
		if locked, ok := events[i].PayloadBool("locked"); ok && !locked {
			unlocks++
		}
	}
	return map[string]float64{"screen_unlocks": unlocks}, nil
}

// NotificationResponseRate reports the fraction of notifications the
// participant opened, as "notification_response_rate". Days without
// notifications contribute no field at all rather than a zero.
func NotificationResponseRate(_ context.Context, _, _ string, events []models.Event) (map[string]float64, error) {
	var total, opened float64
	for i := range events {
		if events[i].Modality != models.ModalityNotification {
			continue
		}
		total++
		if status, _ := events[i].PayloadString("status"); status == "opened" {
			opened++
		}
	}
	if total == 0 {
		return nil, nil
	}
	return map[string]float64{"notification_response_rate": opened / total}, nil
}
