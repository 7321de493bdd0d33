// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package metrics exposes Prometheus instrumentation for the pipeline:
// file intake outcomes, event write counts, decode and run durations, and
// per-run aggregation results.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// File intake

	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyflow_files_total",
			Help: "Uploaded files by container format and terminal outcome",
		},
		[]string{"format", "outcome"}, // outcome: "processed", "exception"
	)

	DecodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studyflow_decode_duration_seconds",
			Help:    "Duration of container decoding in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"format"},
	)

	// Event store writes

	EventsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyflow_events_total",
			Help: "Event write outcomes against the store",
		},
		[]string{"outcome"}, // "inserted", "duplicate", "failed", "unknown"
	)

	// Batch runs

	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyflow_runs_total",
			Help: "Batch runs started",
		},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studyflow_run_duration_seconds",
			Help:    "Duration of complete batch runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	RunUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyflow_run_users_total",
			Help: "Per-user outcomes within batch runs",
		},
		[]string{"outcome"}, // "succeeded", "failed", "timeout"
	)

	SummariesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyflow_summaries_written_total",
			Help: "Daily summary rows upserted",
		},
	)

	AggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "studyflow_aggregation_duration_seconds",
			Help:    "Duration of one (user, day) aggregation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ObserveDecode records one decode's duration.
func ObserveDecode(format string, start time.Time) {
	DecodeDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
}

// CountEvents records a write outcome set against the store.
func CountEvents(inserted, duplicate, failed, unknown int) {
	EventsWritten.WithLabelValues("inserted").Add(float64(inserted))
	EventsWritten.WithLabelValues("duplicate").Add(float64(duplicate))
	EventsWritten.WithLabelValues("failed").Add(float64(failed))
	EventsWritten.WithLabelValues("unknown").Add(float64(unknown))
}
