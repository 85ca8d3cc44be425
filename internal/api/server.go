// Package api exposes the ingest surface: GitHub webhooks, a custom alert
// endpoint, and read-only job status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/palemoky/xiaomi-speaker/internal/audiocache"
	"github.com/palemoky/xiaomi-speaker/internal/device"
	"github.com/palemoky/xiaomi-speaker/internal/dispatch"
	"github.com/palemoky/xiaomi-speaker/pkg/logx"
)

type Config struct {
	Addr                string
	GithubWebhookSecret string
	APIKey              string
	MaxMessageLen       int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
}

// Templates render GitHub events into spoken sentences. {repo}, {workflow},
// {branch} and {conclusion} are substituted.
type Templates struct {
	GithubSuccess string
	GithubFailure string
	Generic       string
}

func (t *Templates) normalize() {
	if t.GithubSuccess == "" {
		t.GithubSuccess = "仓库 {repo} 的工作流 {workflow} 构建成功"
	}
	if t.GithubFailure == "" {
		t.GithubFailure = "仓库 {repo} 的工作流 {workflow} 构建失败"
	}
	if t.Generic == "" {
		t.Generic = "仓库 {repo} 的工作流 {workflow} 状态 {conclusion}"
	}
}

type Server struct {
	cfg       Config
	templates Templates
	queue     *dispatch.Service
	dev       device.Controller
	cache     *audiocache.Cache
	log       logx.Logger
}

func NewServer(cfg Config, templates Templates, queue *dispatch.Service, dev device.Controller, cache *audiocache.Cache, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":2010"
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 500
	}
	templates.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, templates: templates, queue: queue, dev: dev, cache: cache, log: log}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhook/github", s.handleGithub)
	r.Post("/webhook/custom", s.handleCustom)
	r.Get("/jobs", s.handleJobs)
	r.Get("/jobs/{id}", s.handleJob)
	r.Post("/volume", s.handleVolume)
	return r
}

// Serve runs the API server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := s.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("api server listening", logx.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":      "ok",
		"queue_depth": s.queue.Depth(),
	}
	if s.cache != nil {
		st := s.cache.Stats()
		resp["cache"] = map[string]any{
			"entries": st.Entries,
			"bytes":   st.Bytes,
			"budget":  st.Budget,
			"hits":    st.Hits,
			"misses":  st.Misses,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.queue.Snapshot()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.queue.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}
	var req struct {
		Volume *int `json:"volume"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil || req.Volume == nil {
		writeError(w, http.StatusBadRequest, "volume required")
		return
	}
	if *req.Volume < 0 || *req.Volume > 100 {
		writeError(w, http.StatusBadRequest, "volume must be 0..100")
		return
	}
	if err := s.dev.SetVolume(r.Context(), *req.Volume); err != nil {
		s.log.Warn("set volume failed", logx.Err(err))
		writeError(w, http.StatusBadGateway, "device unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "volume": *req.Volume})
}

// enqueue translates queue errors into wire responses. A duplicate is
// deliberately a 200: the sender's notification was already accepted once.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, msg dispatch.Message) {
	id, err := s.queue.Enqueue(r.Context(), msg)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "job_id": id})
	case errors.Is(err, dispatch.ErrDuplicate):
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	case errors.Is(err, dispatch.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "queue full")
	case errors.Is(err, dispatch.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		writeError(w, http.StatusInternalServerError, "enqueue failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
