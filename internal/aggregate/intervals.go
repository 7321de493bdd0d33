// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package aggregate

import (
	"time"

	"github.com/dkressner/studyflow/internal/models"
)

// interval is a half-open [start, end) span within one day window.
type interval struct {
	start time.Time
	end   time.Time
}

// toggleSeconds reconstructs total on-time from state toggle events.
// Events must be in timestamp order. State is unknown before the first
// toggle, so a leading off-toggle contributes nothing. An interval left
// open at the end of the window is truncated at the window end, and
// intervals separated by less than gapTolerance are merged so brief
// sensor dropouts do not fragment the day.
func toggleSeconds(events []models.Event, isOn func(*models.Event) (bool, bool), windowEnd time.Time, gapTolerance time.Duration) int64 {
	var (
		intervals []interval
		openStart time.Time
		open      bool
	)

	for i := range events {
		on, ok := isOn(&events[i])
		if !ok {
			continue
		}
		ts := events[i].Timestamp
		switch {
		case on && !open:
			openStart = ts
			open = true
		case !on && open:
			if ts.After(openStart) {
				intervals = append(intervals, interval{start: openStart, end: ts})
			}
			open = false
		}
	}
	if open && windowEnd.After(openStart) {
		intervals = append(intervals, interval{start: openStart, end: windowEnd})
	}

	return int64(sumMerged(intervals, gapTolerance).Seconds())
}

// sumMerged merges intervals whose gap is below the tolerance and returns
// the total covered duration.
func sumMerged(intervals []interval, gapTolerance time.Duration) time.Duration {
	if len(intervals) == 0 {
		return 0
	}

	var total time.Duration
	current := intervals[0]
	for _, iv := range intervals[1:] {
		if iv.start.Sub(current.end) < gapTolerance {
			if iv.end.After(current.end) {
				current.end = iv.end
			}
			continue
		}
		total += current.end.Sub(current.start)
		current = iv
	}
	total += current.end.Sub(current.start)
	return total
}
