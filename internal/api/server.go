// Package api exposes the operational HTTP interface: health, metrics,
// and the admin actions.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tatoalo/mediaDownloader/internal/metrics"
	"github.com/tatoalo/mediaDownloader/internal/pipeline"
)

// Retryer re-enqueues recently failed jobs.
type Retryer interface {
	RetryRecent(ctx context.Context) (int, error)
}

// Submitter turns a URL submission into a published job.
type Submitter interface {
	Submit(ctx context.Context, rawURL, requesterID string) (pipeline.Job, error)
}

// Config controls the admin server.
type Config struct {
	APIKey  string
	Timeout time.Duration
}

// Server wires the operational HTTP handlers.
type Server struct {
	router    chi.Router
	cache     pipeline.Cache
	retryer   Retryer
	submitter Submitter
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. Admin
// routes mutate state, so they sit behind the API key when one is
// configured; health and metrics stay open for probes and scrapers.
func NewServer(cache pipeline.Cache, retryer Retryer, submitter Submitter, cfg Config, logger *zap.Logger) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cache:     cache,
		retryer:   retryer,
		submitter: submitter,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/submissions", s.submit)
	})

	r.Route("/admin", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/cache/flush", s.flushCache)
		r.Post("/retry", s.retryFailed)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// NewOpsHandler returns the minimal surface for processes without
// admin routes: health probes and the metrics endpoint.
func NewOpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cache.Entries(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "cache unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SourceURL == "" || req.RequesterID == "" {
		writeError(w, http.StatusBadRequest, "source_url and requester_id are required")
		return
	}
	job, err := s.submitter.Submit(r.Context(), req.SourceURL, req.RequesterID)
	if err != nil {
		switch pipeline.KindOf(err) {
		case pipeline.KindInvalidURL, pipeline.KindUnsupportedSource:
			writeError(w, http.StatusUnprocessableEntity, pipeline.UserMessage(pipeline.KindOf(err)))
		default:
			writeError(w, http.StatusServiceUnavailable, "submission could not be queued")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

type submissionRequest struct {
	SourceURL   string `json:"source_url"`
	RequesterID string `json:"requester_id"`
}

func (s *Server) flushCache(w http.ResponseWriter, r *http.Request) {
	flushed, err := s.cache.Flush(r.Context())
	if err != nil {
		s.logger.Error("cache flush failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cache flush failed")
		return
	}
	// Deliberately loud: a flush forgets every downloaded artifact and
	// must be traceable to whoever triggered it.
	s.logger.Warn("cache flushed via admin api",
		zap.Int64("entries_flushed", flushed),
		zap.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusOK, map[string]int64{"entries_flushed": flushed})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	published, err := s.retryer.RetryRecent(r.Context())
	if err != nil {
		s.logger.Error("bulk retry failed",
			zap.Int("published", published),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "bulk retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"jobs_published": published})
}
