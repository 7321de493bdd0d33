// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package aggregate

import (
	"math"
	"time"

	"github.com/dkressner/studyflow/internal/models"
)

// floatEpsilon guards speed computation against near-zero time deltas.
// IEEE 754 comparison with exact zero is unreliable, and an epsilon of
// 1e-9 hours is far below any meaningful fix spacing.
const floatEpsilon = 1e-9

// fix is one usable location observation.
type fix struct {
	ts       time.Time
	lat, lon float64
}

// totalDistanceMeters sums the great-circle distance between consecutive
// location fixes, skipping pairs whose implied speed exceeds the
// plausibility ceiling. An implausible pair contributes zero distance but
// the later fix still becomes the new reference point, so one GPS glitch
// cannot poison the rest of the day.
func totalDistanceMeters(events []models.Event, maxSpeedKmH float64) float64 {
	var (
		total float64
		prev  *fix
	)

	for i := range events {
		lat, okLat := events[i].PayloadFloat("latitude")
		lon, okLon := events[i].PayloadFloat("longitude")
		if !okLat || !okLon {
			continue
		}
		cur := fix{ts: events[i].Timestamp, lat: lat, lon: lon}

		if prev != nil {
			dt := cur.ts.Sub(prev.ts)
			if dt > 0 {
				distKm := haversineKm(prev.lat, prev.lon, cur.lat, cur.lon)
				hours := dt.Hours()
				if math.Abs(hours) < floatEpsilon {
					hours = floatEpsilon
				}
				if distKm/hours <= maxSpeedKmH {
					total += distKm * 1000
				}
			}
		}
		prev = &cur
	}
	return total
}

// haversineKm computes the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
