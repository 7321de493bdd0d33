// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "512MB",
		Threads:   2,
	}
	db, err := Open(cfg, 10*time.Second)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	})
	return db
}

func testEvents(userID string, base time.Time, n int) []models.Event {
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, models.NewHeartRateEvent(userID, base.Add(time.Duration(i)*time.Minute), 60+i, 0))
	}
	return events
}

func TestInsertEventsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := testEvents("u1", base, 10)
	fileID := uuid.New()

	counts, err := db.InsertEvents(ctx, fileID, events)
	if err != nil {
		t.Fatalf("InsertEvents() error: %v", err)
	}
	if counts.Inserted != 10 || counts.Duplicate != 0 {
		t.Fatalf("first insert: %+v, want 10 inserted", counts)
	}

	// Replaying the identical batch must not create new rows.
	counts, err = db.InsertEvents(ctx, fileID, events)
	if err != nil {
		t.Fatalf("InsertEvents() replay error: %v", err)
	}
	if counts.Inserted != 0 || counts.Duplicate != 10 {
		t.Fatalf("replay: %+v, want 10 duplicate", counts)
	}

	got, err := db.EventsInWindow(ctx, "u1", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("EventsInWindow() error: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("stored events = %d, want 10", len(got))
	}
	if bpm, _ := got[0].PayloadFloat("bpm"); bpm != 60 {
		t.Errorf("payload round trip: bpm = %v, want 60", bpm)
	}
}

func TestInsertEventsInBatchDuplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	events := testEvents("u1", base, 3)
	events = append(events, events[0]) // same observation twice in one upload

	counts, err := db.InsertEvents(ctx, uuid.New(), events)
	if err != nil {
		t.Fatalf("InsertEvents() error: %v", err)
	}
	if counts.Inserted != 3 || counts.Duplicate != 1 {
		t.Errorf("counts = %+v, want 3 inserted, 1 duplicate", counts)
	}
}

func TestInsertEventsConcurrent(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := testEvents("u1", base, 50)

	// Two uploads carrying the same observations land at once; every
	// event must be stored exactly once regardless of interleaving.
	var wg sync.WaitGroup
	results := make([]models.IngestCounts, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = db.InsertEvents(context.Background(), uuid.New(), events)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d error: %v", i, err)
		}
	}
	totalInserted := results[0].Inserted + results[1].Inserted
	if totalInserted != 50 {
		t.Errorf("total inserted = %d, want 50", totalInserted)
	}

	got, err := db.EventsInWindow(context.Background(), "u1", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("EventsInWindow() error: %v", err)
	}
	if len(got) != 50 {
		t.Errorf("stored events = %d, want 50", len(got))
	}
}

func TestTouchedRanges(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if _, err := db.InsertEvents(ctx, uuid.New(), testEvents("u1", base, 5)); err != nil {
		t.Fatalf("InsertEvents() error: %v", err)
	}
	if _, err := db.InsertEvents(ctx, uuid.New(), testEvents("u2", base.Add(24*time.Hour), 3)); err != nil {
		t.Fatalf("InsertEvents() error: %v", err)
	}

	ranges, err := db.TouchedRanges(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("TouchedRanges() error: %v", err)
	}
	if len(ranges) != 2 {
		t.Fatalf("ranges = %d, want 2", len(ranges))
	}
	if ranges[0].UserID != "u1" || ranges[1].UserID != "u2" {
		t.Errorf("ranges order = %s, %s", ranges[0].UserID, ranges[1].UserID)
	}
	if !ranges[0].First.Equal(base) || !ranges[0].Last.Equal(base.Add(4*time.Minute)) {
		t.Errorf("u1 extent = %v..%v", ranges[0].First, ranges[0].Last)
	}

	// Nothing inserted after a future cutoff.
	ranges, err = db.TouchedRanges(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("TouchedRanges() error: %v", err)
	}
	if len(ranges) != 0 {
		t.Errorf("future cutoff ranges = %d, want 0", len(ranges))
	}
}

func TestUploadLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	f := &models.UploadedFile{
		ID:          uuid.New(),
		UserID:      "u1",
		Filename:    "2026-03-14.wsd",
		ContentType: "application/vnd.wearable+binary",
		Format:      models.FormatWearable,
		UploadedAt:  time.Now().UTC().Truncate(time.Millisecond),
		StoragePath: "/data/incoming/u1/2026-03-14.wsd",
		State:       models.UploadPending,
	}
	if err := db.CreateUpload(ctx, f); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}

	pending, err := db.ListPendingUploads(ctx)
	if err != nil {
		t.Fatalf("ListPendingUploads() error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != f.ID {
		t.Fatalf("pending = %+v, want the created upload", pending)
	}

	counts := models.IngestCounts{Inserted: 42, Duplicate: 3, Unknown: 1}
	if err := db.FinalizeUpload(ctx, f.ID, models.UploadProcessed, nil, counts); err != nil {
		t.Fatalf("FinalizeUpload() error: %v", err)
	}

	got, err := db.GetUpload(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetUpload() error: %v", err)
	}
	if got.State != models.UploadProcessed {
		t.Errorf("state = %s, want processed", got.State)
	}
	if got.FinalizedAt == nil {
		t.Error("FinalizedAt not set")
	}
	if got.Counts != counts {
		t.Errorf("counts = %+v, want %+v", got.Counts, counts)
	}

	// A second finalization must not overwrite the terminal state.
	err = db.FinalizeUpload(ctx, f.ID, models.UploadException, nil, models.IngestCounts{})
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second finalize error = %v, want ErrAlreadyFinalized", err)
	}
	got, _ = db.GetUpload(ctx, f.ID)
	if got.State != models.UploadProcessed {
		t.Errorf("state after double finalize = %s, want processed", got.State)
	}
}

func TestFinalizeUploadMissing(t *testing.T) {
	db := newTestDB(t)
	err := db.FinalizeUpload(context.Background(), uuid.New(), models.UploadProcessed, nil, models.IngestCounts{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestListExceptions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	f := &models.UploadedFile{
		ID:          uuid.New(),
		UserID:      "u1",
		Filename:    "broken.wsd",
		Format:      models.FormatWearable,
		UploadedAt:  time.Now().UTC(),
		StoragePath: "/data/incoming/u1/broken.wsd",
		State:       models.UploadPending,
	}
	if err := db.CreateUpload(ctx, f); err != nil {
		t.Fatalf("CreateUpload() error: %v", err)
	}
	msg := "corrupt upload container: header truncated at 3 bytes"
	if err := db.FinalizeUpload(ctx, f.ID, models.UploadException, &msg, models.IngestCounts{}); err != nil {
		t.Fatalf("FinalizeUpload() error: %v", err)
	}

	exceptions, err := db.ListExceptions(ctx, 10)
	if err != nil {
		t.Fatalf("ListExceptions() error: %v", err)
	}
	if len(exceptions) != 1 {
		t.Fatalf("exceptions = %d, want 1", len(exceptions))
	}
	if exceptions[0].ErrorMessage == nil || *exceptions[0].ErrorMessage != msg {
		t.Errorf("error message = %v, want %q", exceptions[0].ErrorMessage, msg)
	}
}

func TestSummaryUpsertAndLookup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := &models.DailySummary{
		UserID:         "u1",
		Date:           "2026-03-14",
		Timezone:       "Europe/Berlin",
		WearSeconds:    3600,
		ActiveSeconds:  1200,
		DistanceMeters: 2500.5,
		EMAResponded:   2,
		EMAScheduled:   3,
		ModalityCounts: map[models.Modality]int64{
			models.ModalityHeartRate: 120,
			models.ModalityLocation:  40,
		},
		TotalEvents: 160,
	}
	if err := db.UpsertSummary(ctx, s); err != nil {
		t.Fatalf("UpsertSummary() error: %v", err)
	}

	got, err := db.GetSummary(ctx, "u1", "2026-03-14")
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if got.DistanceMeters != 2500.5 || got.WearSeconds != 3600 {
		t.Errorf("summary = %+v", got)
	}
	if got.ModalityCounts[models.ModalityHeartRate] != 120 {
		t.Errorf("modality counts = %v", got.ModalityCounts)
	}

	// Recomputation with changed numbers replaces the row.
	s.WearSeconds = 4000
	if err := db.UpsertSummary(ctx, s); err != nil {
		t.Fatalf("UpsertSummary() recompute error: %v", err)
	}
	got, err = db.GetSummary(ctx, "u1", "2026-03-14")
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if got.WearSeconds != 4000 {
		t.Errorf("wear seconds after recompute = %d, want 4000", got.WearSeconds)
	}

	// A stored zero row reads back; a never-aggregated day does not.
	zero := models.NewZeroSummary("u1", "2026-03-15", "Europe/Berlin")
	if err := db.UpsertSummary(ctx, zero); err != nil {
		t.Fatalf("UpsertSummary() zero error: %v", err)
	}
	if _, err := db.GetSummary(ctx, "u1", "2026-03-15"); err != nil {
		t.Errorf("zero summary should be retrievable: %v", err)
	}
	if _, err := db.GetSummary(ctx, "u1", "2026-03-16"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing summary error = %v, want ErrNotFound", err)
	}
}

func TestListSummariesRange(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, date := range []string{"2026-03-13", "2026-03-14", "2026-03-15"} {
		if err := db.UpsertSummary(ctx, models.NewZeroSummary("u1", date, "UTC")); err != nil {
			t.Fatalf("UpsertSummary(%s) error: %v", date, err)
		}
	}

	got, err := db.ListSummaries(ctx, "u1", "2026-03-14", "2026-03-15")
	if err != nil {
		t.Fatalf("ListSummaries() error: %v", err)
	}
	if len(got) != 2 || got[0].Date != "2026-03-14" || got[1].Date != "2026-03-15" {
		t.Errorf("range result = %+v", got)
	}

	all, err := db.ListSummaries(ctx, "u1", "", "")
	if err != nil {
		t.Fatalf("ListSummaries() open range error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("open range = %d rows, want 3", len(all))
	}
}

func TestWatermarkMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	w := &models.ProcessingWatermark{
		UserID:        "u1",
		Modality:      models.ModalityHeartRate,
		LastEventTime: t1,
		LastFileID:    uuid.New(),
	}
	if err := db.AdvanceWatermark(ctx, w); err != nil {
		t.Fatalf("AdvanceWatermark() error: %v", err)
	}

	// An older position must not move the watermark back.
	older := *w
	older.LastEventTime = t1.Add(-time.Hour)
	if err := db.AdvanceWatermark(ctx, &older); err != nil {
		t.Fatalf("AdvanceWatermark() older error: %v", err)
	}

	marks, err := db.Watermarks(ctx, "u1")
	if err != nil {
		t.Fatalf("Watermarks() error: %v", err)
	}
	if len(marks) != 1 {
		t.Fatalf("watermarks = %d, want 1", len(marks))
	}
	if !marks[0].LastEventTime.Equal(t1) {
		t.Errorf("watermark = %v, want %v", marks[0].LastEventTime, t1)
	}

	// A newer position advances it.
	newer := *w
	newer.LastEventTime = t1.Add(time.Hour)
	if err := db.AdvanceWatermark(ctx, &newer); err != nil {
		t.Fatalf("AdvanceWatermark() newer error: %v", err)
	}
	marks, _ = db.Watermarks(ctx, "u1")
	if !marks[0].LastEventTime.Equal(t1.Add(time.Hour)) {
		t.Errorf("watermark after advance = %v", marks[0].LastEventTime)
	}
}
