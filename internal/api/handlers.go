// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dkressner/studyflow/internal/cache"
	"github.com/dkressner/studyflow/internal/models"
	"github.com/dkressner/studyflow/internal/scheduler"
	"github.com/dkressner/studyflow/internal/store"
)

var validate = validator.New()

const (
	defaultListLimit = 100

	// summaryCacheTTL bounds read staleness between pipeline runs; the
	// runner invalidates the cache after each run anyway.
	summaryCacheTTL = time.Minute
)

// Handler serves the read-only study data endpoints.
type Handler struct {
	db     *store.DB
	runner *scheduler.Runner
	cache  *cache.Cache
}

// NewHandler creates a handler backed by the given store. The runner is
// optional and only feeds the pipeline status endpoint.
func NewHandler(db *store.DB, runner *scheduler.Runner) *Handler {
	return &Handler{
		db:     db,
		runner: runner,
		cache:  cache.New(summaryCacheTTL),
	}
}

// InvalidateCache drops cached summary responses. Registered as a
// post-run hook so readers see freshly recomputed days immediately.
func (h *Handler) InvalidateCache() {
	h.cache.Clear()
}

// Close stops the cache's background sweeper.
func (h *Handler) Close() {
	h.cache.Stop()
}

// SummariesRequest validates query parameters for the summary list endpoint.
type SummariesRequest struct {
	UserID string `validate:"required,min=1,max=128"`
	From   string `validate:"omitempty,datetime=2006-01-02"`
	To     string `validate:"omitempty,datetime=2006-01-02"`
}

// ListSummaries handles GET /api/v1/users/{userID}/summaries.
func (h *Handler) ListSummaries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	req := SummariesRequest{
		UserID: chi.URLParam(r, "userID"),
		From:   r.URL.Query().Get("from"),
		To:     r.URL.Query().Get("to"),
	}
	if err := validate.Struct(&req); err != nil {
		rw.ValidationError("invalid user or date range parameters")
		return
	}

	key := cache.GenerateKey("summaries", req)
	if cached, ok := h.cache.Get(key); ok {
		summaries := cached.([]models.DailySummary)
		rw.SuccessWithCount(summaries, len(summaries))
		return
	}

	summaries, err := h.db.ListSummaries(r.Context(), req.UserID, req.From, req.To)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	h.cache.Set(key, summaries)
	rw.SuccessWithCount(summaries, len(summaries))
}

// SummaryRequest validates the path parameters for a single-day lookup.
type SummaryRequest struct {
	UserID string `validate:"required,min=1,max=128"`
	Date   string `validate:"required,datetime=2006-01-02"`
}

// GetSummary handles GET /api/v1/users/{userID}/summaries/{date}.
// A day the pipeline has recomputed to zero activity returns the stored
// all-zero row; only a day never aggregated is a 404.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	req := SummaryRequest{
		UserID: chi.URLParam(r, "userID"),
		Date:   chi.URLParam(r, "date"),
	}
	if err := validate.Struct(&req); err != nil {
		rw.ValidationError("invalid user or date parameter")
		return
	}

	key := cache.GenerateKey("summary", req)
	if cached, ok := h.cache.Get(key); ok {
		rw.Success(cached.(*models.DailySummary))
		return
	}

	summary, err := h.db.GetSummary(r.Context(), req.UserID, req.Date)
	if err == nil {
		h.cache.Set(key, summary)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		rw.NotFound("no summary for this user and date")
	case err != nil:
		rw.DatabaseError(err)
	default:
		rw.Success(summary)
	}
}

// ListUploads handles GET /api/v1/users/{userID}/uploads.
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		rw.BadRequest("user ID required")
		return
	}

	uploads, err := h.db.ListUserUploads(r.Context(), userID, getIntParam(r, "limit", defaultListLimit))
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(uploads, len(uploads))
}

// ListWatermarks handles GET /api/v1/users/{userID}/watermarks. A
// watermark is the newest event time ingested per modality, which is the
// operational answer to "is data still flowing for this participant".
func (h *Handler) ListWatermarks(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	userID := chi.URLParam(r, "userID")
	if userID == "" {
		rw.BadRequest("user ID required")
		return
	}

	marks, err := h.db.Watermarks(r.Context(), userID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(marks, len(marks))
}

// ListExceptions handles GET /api/v1/uploads/exceptions. It returns the
// quarantined files a study coordinator needs to triage.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	files, err := h.db.ListExceptions(r.Context(), getIntParam(r, "limit", defaultListLimit))
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithCount(files, len(files))
}

// PipelineStatus handles GET /api/v1/pipeline/status.
func (h *Handler) PipelineStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	status := map[string]interface{}{
		"time":           time.Now().UTC(),
		"cache_hit_rate": h.cache.HitRate(),
	}
	if h.runner != nil {
		if last := h.runner.LastRun(); !last.IsZero() {
			status["last_run_started"] = last.UTC()
		}
	}
	rw.Success(status)
}

// HealthLive handles GET /api/v1/health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "alive"})
}

// HealthReady handles GET /api/v1/health/ready. Readiness requires a
// responsive store.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		rw.ServiceUnavailable("store not reachable")
		return
	}
	rw.Success(map[string]string{"status": "ready"})
}

// getIntParam extracts an integer query parameter with a default value.
func getIntParam(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil || intValue < 1 {
		return defaultValue
	}
	return intValue
}
