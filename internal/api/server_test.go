package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/config"
	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/dispatcher"
	idgen "github.com/brandlens/crawler/internal/id/uuid"
	queuemem "github.com/brandlens/crawler/internal/queue/memory"
	storemem "github.com/brandlens/crawler/internal/storage/memory"
	"github.com/brandlens/crawler/internal/worker"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// fakePoliteness allows tests to script the hard-crawl cooldown gate.
type fakePoliteness struct {
	allowHard bool
	next      *time.Time
}

func (p *fakePoliteness) Acquire(context.Context, string) error     { return nil }
func (p *fakePoliteness) RecordResponseTime(string, time.Duration)  {}
func (p *fakePoliteness) RecordSuccess(string)                      {}
func (p *fakePoliteness) RecordFailure(string)                      {}
func (p *fakePoliteness) IsOpen(string) bool                        { return false }
func (p *fakePoliteness) CanHardScrape(string) bool                 { return p.allowHard }
func (p *fakePoliteness) NextHardScrapeAvailable(string) *time.Time { return p.next }
func (p *fakePoliteness) RecordHardScrape(string)                   {}

type serverFixture struct {
	server   *Server
	jobStore *storemem.JobStore
	queue    *queuemem.Queue
	registry *worker.Registry
	polite   *fakePoliteness
	clock    fakeClock
}

func newFixture(t *testing.T, cfg config.Config) *serverFixture {
	t.Helper()
	jobStore := storemem.NewJobStore()
	queue := queuemem.NewQueue(8)
	registry := worker.NewRegistry()
	polite := &fakePoliteness{allowHard: true}
	clock := fakeClock{now: time.Unix(1700000000, 0).UTC()}
	if cfg.Crawler.MaxPagesDefault == 0 {
		cfg.Crawler.MaxPagesDefault = 100
	}
	server := NewServer(
		jobStore,
		dispatcher.New(queue, nil),
		registry,
		polite,
		idgen.NewGenerator(),
		clock,
		cfg,
		zap.NewNop(),
	)
	return &serverFixture{
		server:   server,
		jobStore: jobStore,
		queue:    queue,
		registry: registry,
		polite:   polite,
		clock:    clock,
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitCrawlAcceptsAndEnqueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := postJSON(t, f.server.Handler(), "/v1/crawls", map[string]any{
		"website_id": "site-1",
		"url":        "https://Example.com/",
		"mode":       "incremental",
		"max_pages":  25,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)
	require.Equal(t, "queued", resp["status"])
	require.Equal(t, float64(25), resp["estimated_pages"])

	job, err := f.jobStore.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, job.Status)
	require.Equal(t, "https://example.com", job.SeedURL, "seed must be normalized")

	req, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobID, req.JobID)
	require.Equal(t, 25, req.MaxPages)
}

func TestSubmitCrawlValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	h := f.server.Handler()

	rec := postJSON(t, h, "/v1/crawls", map[string]any{"url": "https://example.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing website_id")

	rec = postJSON(t, h, "/v1/crawls", map[string]any{"website_id": "s", "url": "ftp://example.com"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "non-http scheme")

	rec = postJSON(t, h, "/v1/crawls", map[string]any{"website_id": "s", "url": "https://example.com", "mode": "full"})
	require.Equal(t, http.StatusBadRequest, rec.Code, "unknown mode")
}

func TestSubmitHardCrawlCooldownReturns429(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	next := f.clock.now.Add(72 * time.Hour)
	f.polite.allowHard = false
	f.polite.next = &next

	rec := postJSON(t, f.server.Handler(), "/v1/crawls", map[string]any{
		"website_id": "site-1",
		"url":        "https://example.com",
		"mode":       "hard",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "example.com", resp["domain"])
	require.Equal(t, next.Format(time.RFC3339), resp["next_available_at"])
}

func TestGetCrawlStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	job := crawler.CrawlJob{
		ID:             "job-1",
		WebsiteID:      "site-1",
		SeedURL:        "https://example.com",
		Mode:           crawler.ModeIncremental,
		Status:         crawler.JobStatusRunning,
		TotalPages:     10,
		CompletedPages: 4,
	}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/job-1/status", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Job             crawler.CrawlJob `json:"job"`
		ProgressPercent float64          `json:"progress_percent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, crawler.JobStatusRunning, resp.Job.Status)
	require.InDelta(t, 40.0, resp.ProgressPercent, 0.01)

	req = httptest.NewRequest(http.MethodGet, "/v1/crawls/missing/status", nil)
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelQueuedJobMarksTerminal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	job := crawler.CrawlJob{ID: "job-1", Status: crawler.JobStatusQueued}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))

	rec := postJSON(t, f.server.Handler(), "/v1/crawls/job-1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.jobStore.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, got.Status)
	require.Equal(t, "canceled before start", got.ErrorText)
}

func TestCancelRunningJobUsesRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	job := crawler.CrawlJob{ID: "job-1", Status: crawler.JobStatusRunning}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.Track("job-1", cancel)
	defer f.registry.Untrack("job-1")

	rec := postJSON(t, f.server.Handler(), "/v1/crawls/job-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Error(t, ctx.Err(), "registry cancel must fire the job context")
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	job := crawler.CrawlJob{ID: "job-1", Status: crawler.JobStatusCompleted}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))

	rec := postJSON(t, f.server.Handler(), "/v1/crawls/job-1/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	f := newFixture(t, cfg)
	h := f.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls/job-1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "health endpoint must stay open")

	req = httptest.NewRequest(http.MethodGet, "/v1/crawls/job-1/status?api_key=secret", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code,
		"query-string keys are rejected; they leak into access logs")

	req = httptest.NewRequest(http.MethodGet, "/v1/crawls/job-1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code, "authorized but job missing")
}
