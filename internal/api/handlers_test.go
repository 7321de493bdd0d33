// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/models"
	"github.com/dkressner/studyflow/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *store.DB) {
	t.Helper()
	db, err := store.Open(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "512MB",
		Threads:   2,
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	handler := NewHandler(db, nil)
	t.Cleanup(handler.Close)
	return handler, db
}

func doRequest(t *testing.T, handler *Handler, path string) (*httptest.ResponseRecorder, *APIResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	Routes(handler).ServeHTTP(rec, req)

	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return rec, &resp
}

func seedSummary(t *testing.T, db *store.DB, userID, date string, wear int64) {
	t.Helper()
	s := models.NewZeroSummary(userID, date, "UTC")
	s.WearSeconds = wear
	if err := db.UpsertSummary(context.Background(), s); err != nil {
		t.Fatalf("UpsertSummary(%s, %s): %v", userID, date, err)
	}
}

func TestGetSummary(t *testing.T) {
	handler, db := newTestHandler(t)
	seedSummary(t, db, "u1", "2026-03-14", 3600)
	seedSummary(t, db, "u1", "2026-03-15", 0)

	t.Run("existing day", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/users/u1/summaries/2026-03-14")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var s models.DailySummary
		raw, _ := json.Marshal(resp.Data)
		if err := json.Unmarshal(raw, &s); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		if s.WearSeconds != 3600 {
			t.Errorf("WearSeconds = %d, want 3600", s.WearSeconds)
		}
	})

	t.Run("recomputed-to-zero day is not a 404", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/users/u1/summaries/2026-03-15")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !resp.Success {
			t.Error("expected success response")
		}
	})

	t.Run("never-aggregated day", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/users/u1/summaries/2026-03-16")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if resp.Error == nil || resp.Error.Code != ErrCodeNotFound {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeNotFound)
		}
	})

	t.Run("malformed date", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/users/u1/summaries/14-03-2026")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if resp.Error == nil || resp.Error.Code != ErrCodeValidationFailed {
			t.Errorf("error = %+v, want code %s", resp.Error, ErrCodeValidationFailed)
		}
	})
}

func TestListSummaries(t *testing.T) {
	handler, db := newTestHandler(t)
	for _, date := range []string{"2026-03-10", "2026-03-11", "2026-03-12"} {
		seedSummary(t, db, "u1", date, 60)
	}
	seedSummary(t, db, "u2", "2026-03-11", 60)

	t.Run("all days for user", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/users/u1/summaries")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if resp.Meta == nil || resp.Meta.Count != 3 {
			t.Errorf("meta = %+v, want count 3", resp.Meta)
		}
	})

	t.Run("bounded range", func(t *testing.T) {
		_, resp := doRequest(t, handler, "/api/v1/users/u1/summaries?from=2026-03-11&to=2026-03-11")
		if resp.Meta == nil || resp.Meta.Count != 1 {
			t.Errorf("meta = %+v, want count 1", resp.Meta)
		}
	})

	t.Run("rejects malformed bound", func(t *testing.T) {
		rec, _ := doRequest(t, handler, "/api/v1/users/u1/summaries?from=notadate")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestListUploadsAndExceptions(t *testing.T) {
	handler, db := newTestHandler(t)
	ctx := context.Background()

	processed := &models.UploadedFile{
		ID: uuid.New(), UserID: "u1", Filename: "a.jsonl",
		StoragePath: "/in/u1/a.jsonl", UploadedAt: time.Now().UTC(),
		Format: models.FormatJSONStream, State: models.UploadPending,
	}
	quarantined := &models.UploadedFile{
		ID: uuid.New(), UserID: "u2", Filename: "b.wsd",
		StoragePath: "/in/u2/b.wsd", UploadedAt: time.Now().UTC(),
		Format: models.FormatWearable, State: models.UploadPending,
	}
	for _, f := range []*models.UploadedFile{processed, quarantined} {
		if err := db.CreateUpload(ctx, f); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
	}
	if err := db.FinalizeUpload(ctx, processed.ID, models.UploadProcessed, nil, models.IngestCounts{Inserted: 2}); err != nil {
		t.Fatalf("finalize processed: %v", err)
	}
	reason := "truncated container"
	if err := db.FinalizeUpload(ctx, quarantined.ID, models.UploadException, &reason, models.IngestCounts{}); err != nil {
		t.Fatalf("finalize exception: %v", err)
	}

	t.Run("user uploads", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/users/u1/uploads")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if resp.Meta == nil || resp.Meta.Count != 1 {
			t.Errorf("meta = %+v, want count 1", resp.Meta)
		}
	})

	t.Run("exception queue", func(t *testing.T) {
		rec, resp := doRequest(t, handler, "/api/v1/uploads/exceptions")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if resp.Meta == nil || resp.Meta.Count != 1 {
			t.Errorf("meta = %+v, want count 1", resp.Meta)
		}
		var files []models.UploadedFile
		raw, _ := json.Marshal(resp.Data)
		if err := json.Unmarshal(raw, &files); err != nil {
			t.Fatalf("decode exceptions: %v", err)
		}
		if files[0].ErrorMessage == nil || *files[0].ErrorMessage != "truncated container" {
			t.Errorf("ErrorMessage = %v, want truncated container", files[0].ErrorMessage)
		}
	})
}

func TestListWatermarks(t *testing.T) {
	handler, db := newTestHandler(t)
	ctx := context.Background()

	for _, m := range []models.Modality{models.ModalityHeartRate, models.ModalityEMAStatus} {
		w := &models.ProcessingWatermark{
			UserID:        "u1",
			Modality:      m,
			LastEventTime: time.UnixMilli(1773500000000).UTC(),
			LastFileID:    uuid.New(),
		}
		if err := db.AdvanceWatermark(ctx, w); err != nil {
			t.Fatalf("AdvanceWatermark(%s): %v", m, err)
		}
	}

	rec, resp := doRequest(t, handler, "/api/v1/users/u1/watermarks")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp.Meta == nil || resp.Meta.Count != 2 {
		t.Errorf("meta = %+v, want count 2", resp.Meta)
	}

	var marks []models.ProcessingWatermark
	raw, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(raw, &marks); err != nil {
		t.Fatalf("decode watermarks: %v", err)
	}
	for _, w := range marks {
		if !w.LastEventTime.Equal(time.UnixMilli(1773500000000).UTC()) {
			t.Errorf("%s LastEventTime = %v", w.Modality, w.LastEventTime)
		}
	}

	// A participant with no ingested data has an empty report, not an error.
	rec, resp = doRequest(t, handler, "/api/v1/users/u9/watermarks")
	if rec.Code != http.StatusOK || resp.Meta == nil || resp.Meta.Count != 0 {
		t.Errorf("empty report: status = %d, meta = %+v", rec.Code, resp.Meta)
	}
}

func TestSummaryCacheInvalidation(t *testing.T) {
	handler, db := newTestHandler(t)
	seedSummary(t, db, "u1", "2026-03-14", 100)

	fetch := func() int64 {
		t.Helper()
		_, resp := doRequest(t, handler, "/api/v1/users/u1/summaries/2026-03-14")
		var s models.DailySummary
		raw, _ := json.Marshal(resp.Data)
		if err := json.Unmarshal(raw, &s); err != nil {
			t.Fatalf("decode summary: %v", err)
		}
		return s.WearSeconds
	}

	if got := fetch(); got != 100 {
		t.Fatalf("WearSeconds = %d, want 100", got)
	}

	// A recompute behind the cache is invisible until invalidation.
	seedSummary(t, db, "u1", "2026-03-14", 200)
	if got := fetch(); got != 100 {
		t.Errorf("cached WearSeconds = %d, want stale 100", got)
	}

	handler.InvalidateCache()
	if got := fetch(); got != 200 {
		t.Errorf("post-invalidation WearSeconds = %d, want 200", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	handler, _ := newTestHandler(t)

	for _, path := range []string{"/api/v1/health/live", "/api/v1/health/ready"} {
		rec, resp := doRequest(t, handler, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
		if !resp.Success {
			t.Errorf("%s success = false", path)
		}
	}
}
