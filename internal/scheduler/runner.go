// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

// Package scheduler drives batch runs on a fixed cadence.
//
// A run moves through scope selection (pending uploads plus recently
// touched aggregation days), ingestion, and aggregation. Users are
// processed concurrently under a bounded worker pool, and each user is a
// failure domain of its own: one user's error is recorded and the run
// carries on with the others. A run that overruns the cadence interval
// stops starting new users but lets in-flight ones finish; whatever was
// not reached stays pending or inside the rescan window and is picked up
// by the next run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dkressner/studyflow/internal/aggregate"
	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/intake"
	"github.com/dkressner/studyflow/internal/logging"
	"github.com/dkressner/studyflow/internal/metrics"
	"github.com/dkressner/studyflow/internal/models"
	"github.com/dkressner/studyflow/internal/store"
)

// ErrAggregationTimeout indicates one user's aggregation exceeded its
// per-user deadline and was skipped for this run.
var ErrAggregationTimeout = errors.New("aggregation timed out")

// DayAggregator recomputes one (user, local date) summary. Satisfied by
// *aggregate.Aggregator.
type DayAggregator interface {
	Aggregate(ctx context.Context, userID, date string) (*models.DailySummary, error)
	LocalDate(t time.Time) string
}

// RunStats summarizes one batch run.
type RunStats struct {
	Started        time.Time
	Duration       time.Duration
	FilesProcessed int
	Counts         models.IngestCounts
	UsersSucceeded int
	UsersFailed    int
	DaysAggregated int
}

// Runner owns the batch cadence and run state machine.
type Runner struct {
	db         *store.DB
	processor  *intake.Processor
	aggregator DayAggregator
	cfg        config.PipelineConfig

	// dayLocks serializes aggregation per (user, date) key while leaving
	// different users free to run concurrently.
	dayLocks sync.Map

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	lastRun  time.Time
	onDone   []func()
}

// NewRunner wires the batch runner.
func NewRunner(db *store.DB, processor *intake.Processor, aggregator DayAggregator, cfg config.PipelineConfig) *Runner {
	return &Runner{
		db:         db,
		processor:  processor,
		aggregator: aggregator,
		cfg:        cfg,
		stopChan:   make(chan struct{}),
	}
}

// Serve runs the cadence loop until the context is canceled or Stop is
// called. The first run starts immediately. Implements suture.Service.
func (r *Runner) Serve(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already serving")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	if _, err := r.RunOnce(ctx, RunScope{}); err != nil {
		logging.Error().Err(err).Msg("Initial batch run failed")
	}

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-r.stopChan:
			r.wg.Wait()
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx, RunScope{}); err != nil {
				logging.Error().Err(err).Msg("Scheduled batch run failed")
			}
		}
	}
}

// Stop ends the cadence loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.stopChan)
	}
}

// OnRunComplete registers a callback invoked after every run, successful
// or not. Used to invalidate read caches once summaries are recomputed.
func (r *Runner) OnRunComplete(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDone = append(r.onDone, f)
}

// LastRun reports when the most recent run started.
func (r *Runner) LastRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

// RunScope narrows a manual run. Zero value means full scope: all pending
// uploads and all days touched within the lookback window.
type RunScope struct {
	// UserID restricts the run to one participant.
	UserID string

	// Date restricts aggregation to one local date (requires UserID).
	Date string

	// Lookback overrides the configured rescan window.
	Lookback time.Duration
}

// RunOnce executes one complete batch run. Store unavailability aborts
// the run; everything ingested so far stays and is not re-done next time
// thanks to natural-key dedup.
func (r *Runner) RunOnce(ctx context.Context, scope RunScope) (*RunStats, error) {
	stats := &RunStats{Started: time.Now()}
	r.mu.Lock()
	r.lastRun = stats.Started
	r.mu.Unlock()

	metrics.RunsStarted.Inc()
	defer func() {
		stats.Duration = time.Since(stats.Started)
		metrics.RunDuration.Observe(stats.Duration.Seconds())

		r.mu.Lock()
		hooks := append([]func(){}, r.onDone...)
		r.mu.Unlock()
		for _, hook := range hooks {
			hook()
		}
	}()

	// The deadline gates admission only: once the cadence slot is spent no
	// new file or user starts, but work already in flight runs to
	// completion under the parent context and its own per-user timeout.
	admitCtx, cancel := context.WithTimeout(ctx, r.cfg.Interval)
	defer cancel()

	lookback := scope.Lookback
	if lookback <= 0 {
		lookback = r.cfg.Lookback
	}
	since := stats.Started.Add(-lookback)

	if err := r.ingest(ctx, admitCtx, scope, stats); err != nil {
		return stats, fmt.Errorf("ingest phase: %w", err)
	}
	if err := r.aggregateTouched(ctx, admitCtx, scope, since, stats); err != nil {
		return stats, fmt.Errorf("aggregate phase: %w", err)
	}

	logging.Info().
		Int("files", stats.FilesProcessed).
		Int("inserted", stats.Counts.Inserted).
		Int("duplicate", stats.Counts.Duplicate).
		Int("users_succeeded", stats.UsersSucceeded).
		Int("users_failed", stats.UsersFailed).
		Int("days", stats.DaysAggregated).
		Dur("duration", time.Since(stats.Started)).
		Msg("Batch run complete")
	return stats, nil
}

// ingest discovers and processes pending uploads, one worker per file up
// to the configured bound. Admission stops at the run deadline; files
// already being processed finish under the parent context. A store outage
// aborts the phase; per-file decode problems are terminal states, not
// errors.
func (r *Runner) ingest(ctx, admitCtx context.Context, scope RunScope, stats *RunStats) error {
	pending, err := r.processor.DiscoverIncoming(ctx)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(r.cfg.Workers))
	var (
		mu       sync.Mutex
		abortErr error
	)
	for i := range pending {
		f := pending[i]
		if scope.UserID != "" && f.UserID != scope.UserID {
			continue
		}
		if err := sem.Acquire(admitCtx, 1); err != nil {
			logging.Warn().Err(err).Int("files_remaining", len(pending)-i).Msg("Run deadline reached before all files started")
			break
		}
		mu.Lock()
		aborted := abortErr != nil
		mu.Unlock()
		if aborted {
			sem.Release(1)
			break
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer sem.Release(1)

			counts, err := r.processor.ProcessFile(ctx, &f)
			mu.Lock()
			defer mu.Unlock()
			stats.FilesProcessed++
			stats.Counts.Add(counts)
			if err != nil && errors.Is(err, store.ErrStoreUnavailable) {
				abortErr = err
			} else if err != nil {
				logging.Error().Err(err).Str("upload_id", f.ID.String()).Msg("Upload processing failed, stays pending")
			}
		}()
	}

	// Wait for in-flight workers under the parent context so deadline
	// overrun never abandons a file mid-write.
	if err := sem.Acquire(ctx, int64(r.cfg.Workers)); err != nil {
		return err
	}
	sem.Release(int64(r.cfg.Workers))
	return abortErr
}

// userDays is the aggregation scope of one user within a run.
type userDays struct {
	userID string
	dates  []string
}

// aggregateTouched recomputes summaries for every (user, day) touched by
// recent inserts. Users run concurrently; per-user failures are isolated.
// The run deadline stops new users from starting, while users already in
// flight finish under the parent context and their per-user timeout.
func (r *Runner) aggregateTouched(ctx, admitCtx context.Context, scope RunScope, since time.Time, stats *RunStats) error {
	work, err := r.selectScope(ctx, scope, since)
	if err != nil {
		return err
	}
	if len(work) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(int64(r.cfg.Workers))
	var mu sync.Mutex
	for i := range work {
		w := work[i]
		if err := sem.Acquire(admitCtx, 1); err != nil {
			// Run deadline reached: unreached users wait for next cadence.
			logging.Warn().Err(err).Int("users_remaining", len(work)-i).Msg("Run deadline reached before all users started")
			break
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer sem.Release(1)

			days, err := r.aggregateUser(ctx, w)
			mu.Lock()
			defer mu.Unlock()
			stats.DaysAggregated += days
			if err != nil {
				stats.UsersFailed++
				metrics.RunUsers.WithLabelValues(userOutcome(err)).Inc()
				logging.Error().Err(err).Str("user_id", w.userID).Msg("User aggregation failed")
			} else {
				stats.UsersSucceeded++
				metrics.RunUsers.WithLabelValues("succeeded").Inc()
			}
		}()
	}

	r.wg.Wait()
	return nil
}

func userOutcome(err error) string {
	if errors.Is(err, ErrAggregationTimeout) {
		return "timeout"
	}
	return "failed"
}

// selectScope expands recently touched event-time ranges into the
// (user, local date) pairs needing recomputation.
func (r *Runner) selectScope(ctx context.Context, scope RunScope, since time.Time) ([]userDays, error) {
	if scope.UserID != "" && scope.Date != "" {
		return []userDays{{userID: scope.UserID, dates: []string{scope.Date}}}, nil
	}

	ranges, err := r.db.TouchedRanges(ctx, since)
	if err != nil {
		return nil, err
	}

	var work []userDays
	for _, tr := range ranges {
		if scope.UserID != "" && tr.UserID != scope.UserID {
			continue
		}
		dates := r.localDates(tr.First, tr.Last)
		if len(dates) == 0 {
			continue
		}
		work = append(work, userDays{userID: tr.UserID, dates: dates})
	}
	sort.Slice(work, func(i, j int) bool { return work[i].userID < work[j].userID })
	return work, nil
}

// localDates enumerates the local calendar dates covering [first, last].
func (r *Runner) localDates(first, last time.Time) []string {
	var dates []string
	cur := r.aggregator.LocalDate(first)
	end := r.aggregator.LocalDate(last)
	for {
		dates = append(dates, cur)
		if cur == end {
			return dates
		}
		day, err := time.Parse(aggregate.DateLayout, cur)
		if err != nil {
			return dates
		}
		cur = day.AddDate(0, 0, 1).Format(aggregate.DateLayout)
	}
}

// aggregateUser recomputes one user's touched days under the per-user
// deadline. Each (user, date) is single-flight across overlapping runs.
func (r *Runner) aggregateUser(ctx context.Context, w userDays) (int, error) {
	userCtx, cancel := context.WithTimeout(ctx, r.cfg.UserTimeout)
	defer cancel()

	done := 0
	for _, date := range w.dates {
		if err := r.aggregateDay(userCtx, w.userID, date); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return done, fmt.Errorf("%w: user %s after %d days", ErrAggregationTimeout, w.userID, done)
			}
			return done, err
		}
		done++
	}
	return done, nil
}

func (r *Runner) aggregateDay(ctx context.Context, userID, date string) error {
	key := userID + "\x00" + date
	lockAny, _ := r.dayLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	_, err := r.aggregator.Aggregate(ctx, userID, date)
	return err
}
