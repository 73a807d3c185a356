// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/config"
	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/dispatcher"
	"github.com/brandlens/crawler/internal/metrics"
	"github.com/brandlens/crawler/internal/worker"
)

// Server wires HTTP handlers to the dispatcher, stores and job registry.
type Server struct {
	router     chi.Router
	jobStore   crawler.JobStore
	dispatcher *dispatcher.Dispatcher
	registry   *worker.Registry
	polite     crawler.Politeness
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore crawler.JobStore,
	dispatcher *dispatcher.Dispatcher,
	registry *worker.Registry,
	polite crawler.Politeness,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:   jobStore,
		dispatcher: dispatcher,
		registry:   registry,
		polite:     polite,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getCrawlStatus)
				r.Post("/cancel", s.cancelCrawl)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitCrawlRequest struct {
	WebsiteID string `json:"website_id"`
	URL       string `json:"url"`
	Mode      string `json:"mode"`
	MaxDepth  int    `json:"max_depth"`
	MaxPages  int    `json:"max_pages"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req submitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.WebsiteID == "" {
		s.writeError(w, http.StatusBadRequest, "website_id is required")
		return
	}
	mode := crawler.CrawlMode(req.Mode)
	if req.Mode == "" {
		mode = crawler.ModeIncremental
	}
	if !mode.Valid() {
		s.writeError(w, http.StatusBadRequest, "mode must be incremental or hard")
		return
	}
	seed, err := crawler.NormalizeURL(req.URL, nil)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid url: %v", err))
		return
	}
	domain := crawler.DomainOf(seed)

	if mode == crawler.ModeHard && !s.polite.CanHardScrape(domain) {
		payload := map[string]any{
			"error":  fmt.Sprintf("hard crawl cooldown active for %s", domain),
			"domain": domain,
		}
		if next := s.polite.NextHardScrapeAvailable(domain); next != nil {
			payload["next_available_at"] = next.Format(time.RFC3339)
		}
		s.writeJSON(w, http.StatusTooManyRequests, payload)
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "generate job id failed")
		return
	}
	now := s.clock.Now()
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = s.cfg.Crawler.MaxPagesDefault
	}
	job := crawler.CrawlJob{
		ID:        jobID,
		WebsiteID: req.WebsiteID,
		SeedURL:   seed,
		Mode:      mode,
		Status:    crawler.JobStatusQueued,
		Submitted: now,
	}
	if err := s.jobStore.CreateJob(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	crawlReq := crawler.CrawlRequest{
		JobID:     jobID,
		WebsiteID: req.WebsiteID,
		SeedURL:   seed,
		Mode:      mode,
		MaxDepth:  req.MaxDepth,
		MaxPages:  maxPages,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, crawlReq); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, "enqueue job failed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":          jobID,
		"status":          string(crawler.JobStatusQueued),
		"estimated_pages": maxPages,
	})
}

func (s *Server) getCrawlStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job":              job,
		"progress_percent": job.ProgressPercent(),
	})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}

	if s.registry.Cancel(jobID) {
		// Running job: the worker observes the canceled context and writes
		// the terminal status itself.
		s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "canceling"})
		return
	}

	// Queued job: no worker has picked it up, mark it terminal here. Workers
	// skip terminal jobs on dequeue.
	now := s.clock.Now()
	job.Status = crawler.JobStatusFailed
	job.ErrorText = "canceled before start"
	job.Completed = &now
	if err := s.jobStore.UpdateJob(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(job.Status)})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Header only: keys in query strings leak into access logs
			// and proxy caches.
			key := r.Header.Get("X-API-Key")
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
