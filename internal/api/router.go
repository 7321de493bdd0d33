// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkressner/studyflow/internal/config"
	"github.com/dkressner/studyflow/internal/logging"
)

// Routes builds the HTTP routing tree for the read-only API.
func Routes(handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", handler.HealthLive)
		r.Get("/ready", handler.HealthReady)
	})
	// Kubernetes-style probe alias.
	r.Get("/healthz", handler.HealthLive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/users/{userID}/summaries", handler.ListSummaries)
		r.Get("/users/{userID}/summaries/{date}", handler.GetSummary)
		r.Get("/users/{userID}/uploads", handler.ListUploads)
		r.Get("/users/{userID}/watermarks", handler.ListWatermarks)
		r.Get("/uploads/exceptions", handler.ListExceptions)
		r.Get("/pipeline/status", handler.PipelineStatus)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Server runs the API as a supervised service.
type Server struct {
	srv *http.Server
}

// NewServer builds the HTTP server from config.
func NewServer(cfg config.ServerConfig, handler *Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           Routes(handler),
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Serve implements suture.Service. It blocks until the context is
// canceled, then shuts the listener down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("API server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("API server shutdown incomplete")
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string {
	return "api-server"
}
