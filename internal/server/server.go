package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nlpkit/internal/audit"
	"nlpkit/internal/dispatch"
	"nlpkit/internal/logger"
	"nlpkit/internal/pipeline"
	"nlpkit/internal/stats"
	"nlpkit/internal/tasks"
)

const maxBodyBytes = 1 << 20

// CacheStats is satisfied by *pipeline.Cache.
type CacheStats interface {
	Stats() pipeline.Stats
}

type Config struct {
	Listen   string
	AuditLog string
}

type Option func(*Server)

func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithCacheStats(c CacheStats) Option {
	return func(s *Server) { s.cache = c }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server exposes the dispatcher over HTTP.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	cache      CacheStats
	metrics    http.Handler
	log        logger.Logger
	startedAt  time.Time
	httpServer *http.Server
}

func New(cfg Config, d *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{cfg: cfg, dispatcher: d, log: logger.Default(), startedAt: time.Now().UTC()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "server")
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tasks", s.handleTasks)
	mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) Start() error {
	s.log.Info("listening", "addr", s.cfg.Listen)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type dispatchRequest struct {
	Task    string            `json:"task"`
	Variant string            `json:"variant,omitempty"`
	Model   string            `json:"model,omitempty"`
	Fields  map[string]string `json:"fields"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.dispatcher.Catalog().All()})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return
	}

	var res dispatch.Result
	if body.Model == "" {
		res = s.dispatcher.Handle(r.Context(), body.Task, body.Variant, body.Fields)
	} else {
		req := tasks.Request{TaskID: body.Task, Variant: body.Variant, Model: body.Model, Fields: body.Fields}
		res = s.dispatcher.Dispatch(r.Context(), req)
	}
	w.Header().Set("X-Request-ID", res.RequestID)
	writeJSON(w, statusCode(res), res)
}

func statusCode(res dispatch.Result) int {
	switch res.Status {
	case dispatch.StatusOK:
		return http.StatusOK
	case dispatch.StatusValidationError:
		if res.Error != nil && res.Error.Kind == dispatch.ErrorUnknownTask {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "since must be a positive duration such as 15m"})
			return
		}
		since = now.Add(-d)
	}
	entries, err := audit.ParseFile(s.cfg.AuditLog)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	entries = audit.Filter(entries, r.URL.Query().Get("task"), since)
	opts := stats.Options{
		Now:    now,
		Status: "running",
		Uptime: time.Since(s.startedAt),
		Listen: s.cfg.Listen,
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		opts.Cache = &cs
	}
	writeJSON(w, http.StatusOK, stats.CollectFromEntries(entries, opts))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the server until ctx ends, then shuts it down within grace.
func Serve(ctx context.Context, s *Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
