// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package aggregate computes daily summaries from stored events.
//
// A summary is always recomputed in full from the event store for its
// (user, local date) window and upserted as a whole row. Because the
// input is the deduplicated event set and the computation carries no
// wall-clock dependence, recomputing an unchanged day produces an
// identical summary value.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/logging"
	"github.com/dkressner/studyflow/internal/metrics"
	"github.com/dkressner/studyflow/internal/models"
	"github.com/dkressner/studyflow/internal/store"
)

// DateLayout is the summary date key format.
const DateLayout = "2006-01-02"

// ExtensionFunc computes deployment-specific metrics for one (user, day)
// from the same event window and merges them into the summary under its
// returned keys. Extensions compose: each runs independently and a
// failing extension skips only its own fields.
type ExtensionFunc func(ctx context.Context, userID, date string, events []models.Event) (map[string]float64, error)

// Aggregator folds events into daily summary rows.
type Aggregator struct {
	db         *store.DB
	cfg        config.AggregateConfig
	loc        *time.Location
	extensions []ExtensionFunc
}

// New builds an aggregator. Extension functions are optional.
func New(db *store.DB, cfg config.AggregateConfig, extensions ...ExtensionFunc) *Aggregator {
	return &Aggregator{
		db:         db,
		cfg:        cfg,
		loc:        cfg.Location(),
		extensions: extensions,
	}
}

// DayWindow returns the UTC bounds of a local calendar date. The window
// is [00:00, next day 00:00) in the study zone, so DST days are naturally
// 23 or 25 hours long.
func (a *Aggregator) DayWindow(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, a.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	next := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, a.loc)
	return day.UTC(), next.UTC(), nil
}

// LocalDate formats an instant as a summary date key in the study zone.
func (a *Aggregator) LocalDate(t time.Time) string {
	return t.In(a.loc).Format(DateLayout)
}

// Aggregate recomputes and stores the summary for one (user, date).
// A day with no events still writes an all-zero row, which readers can
// tell apart from a day that was never aggregated.
func (a *Aggregator) Aggregate(ctx context.Context, userID, date string) (*models.DailySummary, error) {
	start := time.Now()

	from, to, err := a.DayWindow(date)
	if err != nil {
		return nil, err
	}
	events, err := a.db.EventsInWindow(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load events for %s/%s: %w", userID, date, err)
	}

	summary := a.Compute(userID, date, events)
	a.runExtensions(ctx, summary, events)

	if err := a.db.UpsertSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("store summary %s/%s: %w", userID, date, err)
	}

	metrics.SummariesWritten.Inc()
	metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	logging.Debug().
		Str("user_id", userID).
		Str("date", date).
		Int64("total_events", summary.TotalEvents).
		Msg("Daily summary recomputed")
	return summary, nil
}

// Compute derives the summary value from one day window's events. The
// events must be ordered by timestamp (the store query guarantees this).
func (a *Aggregator) Compute(userID, date string, events []models.Event) *models.DailySummary {
	s := models.NewZeroSummary(userID, date, a.cfg.Timezone)
	if len(events) == 0 {
		return s
	}

	_, windowEnd, err := a.DayWindow(date)
	if err != nil {
		return s
	}

	var (
		wearEvents     []models.Event
		screenEvents   []models.Event
		locationEvents []models.Event
	)
	for i := range events {
		e := &events[i]
		s.ModalityCounts[e.Modality]++
		s.TotalEvents++

		switch e.Modality {
		case models.ModalityWearState:
			wearEvents = append(wearEvents, *e)
		case models.ModalityScreen:
			screenEvents = append(screenEvents, *e)
		case models.ModalityLocation:
			locationEvents = append(locationEvents, *e)
		case models.ModalityEMAResponse:
			s.EMAResponded++
		case models.ModalityEMAStatus:
			if status, _ := e.PayloadString("status"); status == "scheduled" {
				s.EMAScheduled++
			}
		}
	}

	s.WearSeconds = toggleSeconds(wearEvents, func(e *models.Event) (bool, bool) {
		return e.PayloadBool("worn")
	}, windowEnd, a.cfg.GapTolerance)

	// The screen is active while unlocked.
	s.ActiveSeconds = toggleSeconds(screenEvents, func(e *models.Event) (bool, bool) {
		locked, ok := e.PayloadBool("locked")
		return !locked, ok
	}, windowEnd, a.cfg.GapTolerance)

	s.DistanceMeters = totalDistanceMeters(locationEvents, a.cfg.MaxSpeedKmH)
	return s
}

// runExtensions merges extension metrics into the summary. Extension
// failures are logged and skipped; the core summary always lands.
func (a *Aggregator) runExtensions(ctx context.Context, s *models.DailySummary, events []models.Event) {
	for _, ext := range a.extensions {
		fields, err := ext(ctx, s.UserID, s.Date, events)
		if err != nil {
			logging.Warn().Err(err).Str("user_id", s.UserID).Str("date", s.Date).Msg("Summary extension failed")
			continue
		}
		for k, v := range fields {
			if s.Extensions == nil {
				s.Extensions = make(map[string]float64)
			}
			s.Extensions[k] = v
		}
	}
}
