package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/chainbound/taikoscope-sub001/internal/monitor"
	"github.com/chainbound/taikoscope-sub001/internal/ratelimit"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout  = 5 * time.Second
	readinessTimeout = 2 * time.Second
)

// IncidentSource is a monitor whose active incidents are served.
type IncidentSource interface {
	Name() string
	Snapshot() []monitor.ActiveIncident
}

// Server exposes health, metrics and the active-incident view.
type Server struct {
	port    int
	sources map[string]IncidentSource
	limiter *ratelimit.Limiter
	ready   func(ctx context.Context) error
	logger  *slog.Logger
}

type Option func(*Server)

// WithRateLimiter guards the /v1 routes.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithReadinessCheck makes /readyz fail while check returns an error.
func WithReadinessCheck(check func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

func New(port int, sources []IncidentSource, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		port:    port,
		sources: make(map[string]IncidentSource, len(sources)),
		logger:  logger.With("component", "server"),
	}
	for _, src := range sources {
		s.sources[src.Name()] = src
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Middleware(s.logger))
	}
	api.HandleFunc("/incidents", s.handleIncidents).Methods(http.MethodGet)
	api.HandleFunc("/incidents/{monitor}", s.handleMonitorIncidents).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("server shutdown error", "error", err)
		}
	}()

	s.logger.Info("status server started", "port", s.port, "monitors", len(s.sources))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type incidentsResponse struct {
	Incidents []monitor.ActiveIncident `json:"incidents"`
}

func (s *Server) handleIncidents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]monitor.ActiveIncident, 0)
	for _, name := range names {
		out = append(out, s.sources[name].Snapshot()...)
	}
	writeJSON(w, http.StatusOK, incidentsResponse{Incidents: out})
}

func (s *Server) handleMonitorIncidents(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["monitor"]
	src, ok := s.sources[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown monitor"})
		return
	}
	out := src.Snapshot()
	if out == nil {
		out = []monitor.ActiveIncident{}
	}
	writeJSON(w, http.StatusOK, incidentsResponse{Incidents: out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
