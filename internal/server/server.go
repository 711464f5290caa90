// Package server exposes the operator HTTP endpoints: health, Prometheus
// metrics, scheduler status, manual trigger and cancel, and read-only access
// to stored findings and runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/scheduler"
	"github.com/pankaj-dahiya-devops/hubsync/internal/store"
)

// Controller is the scheduler surface the server drives.
// *scheduler.Scheduler is the production implementation.
type Controller interface {
	TriggerRun() (scheduler.TriggerResult, error)
	Status() scheduler.Status
	Cancel() bool
}

// Server serves the operator endpoints on Addr.
type Server struct {
	ctl    Controller
	store  store.Store
	logger zerolog.Logger
	http   *http.Server
}

// New builds the router and the underlying http.Server.
func New(addr string, ctl Controller, st store.Store, logger zerolog.Logger) *Server {
	s := &Server{
		ctl:    ctl,
		store:  st,
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}
	return s
}

// Handler returns the chi router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.CleanPath)
	r.Use(chimw.StripSlashes)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Get("/runs", s.listRuns)
		r.Post("/runs", s.triggerRun)
		r.Delete("/runs/current", s.cancelRun)
		r.Get("/runs/{id}", s.getRun)

		r.Get("/findings/{id}", s.getFinding)
		r.Get("/findings/{id}/history", s.findingHistory)
	})
	return r
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown HTTP server: %w", err)
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// ── handlers ─────────────────────────────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Server) triggerRun(w http.ResponseWriter, _ *http.Request) {
	res, err := s.ctl.TriggerRun()
	switch {
	case errors.Is(err, ingesterr.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, res)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if !s.ctl.Cancel() {
		writeError(w, http.StatusNotFound, errors.New("no run in progress"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), pathID(r))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFinding(r.Context(), pathID(r))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) findingHistory(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := s.store.GetFinding(r.Context(), id); err != nil {
		s.lookupError(w, err)
		return
	}
	entries, err := s.store.ListHistory(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (s *Server) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ingesterr.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.internalError(w, err)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("duration", time.Since(start)).Msg("http request")
	})
}

// pathID returns the {id} parameter. Finding identifiers are ARNs with
// slashes, so clients send them escaped and chi hands back the raw segment.
func pathID(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
