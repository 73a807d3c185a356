package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/frontier"
	"github.com/brandlens/crawler/internal/hash/sha256"
	"github.com/brandlens/crawler/internal/renderer"
	storemem "github.com/brandlens/crawler/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

// fakePolite records politeness interactions and lets tests open circuits.
type fakePolite struct {
	mu        sync.Mutex
	acquired  []string
	successes int
	failures  int
	open      map[string]bool
	hardStamp map[string]time.Time
	allowHard bool
	nextHard  *time.Time
}

func newFakePolite() *fakePolite {
	return &fakePolite{
		open:      make(map[string]bool),
		hardStamp: make(map[string]time.Time),
		allowHard: true,
	}
}

func (p *fakePolite) Acquire(_ context.Context, domain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired = append(p.acquired, domain)
	return nil
}

func (p *fakePolite) RecordResponseTime(string, time.Duration) {}

func (p *fakePolite) RecordSuccess(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
}

func (p *fakePolite) RecordFailure(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
}

func (p *fakePolite) IsOpen(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[domain]
}

func (p *fakePolite) CanHardScrape(string) bool { return p.allowHard }

func (p *fakePolite) NextHardScrapeAvailable(string) *time.Time { return p.nextHard }

func (p *fakePolite) RecordHardScrape(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hardStamp[domain] = time.Now()
}

const seedHTML = `<html><head><title>Home</title></head><body>
<h1>Welcome</h1>
<p>We build excellent widgets for excellent people.</p>
<a href="/about">About</a>
<a href="/about#team">Team anchor</a>
<a href="https://other.com/partner">Partner</a>
</body></html>`

const aboutHTML = `<html><head><title>About</title></head><body>
<p>Founded long ago.</p>
<a href="/careers">Careers</a>
</body></html>`

type orchFixture struct {
	front     *frontier.Frontier
	polite    *fakePolite
	rend      *renderer.Noop
	jobStore  *storemem.JobStore
	pageStore *storemem.PageStore
	blobStore *storemem.BlobStore
	hasher    crawler.Hasher
}

func newOrchFixture(t *testing.T, maxDepth, maxURLs int) *orchFixture {
	t.Helper()
	hasher := sha256.New()
	front, err := frontier.New(frontier.Config{
		SeedURL:  "https://example.com",
		MaxDepth: maxDepth,
		MaxURLs:  maxURLs,
	}, hasher)
	require.NoError(t, err)
	return &orchFixture{
		front:  front,
		polite: newFakePolite(),
		rend: renderer.NewNoop(map[string]crawler.RenderedPage{
			"https://example.com":       {HTTPStatus: 200, HTML: seedHTML},
			"https://example.com/about": {HTTPStatus: 200, HTML: aboutHTML},
		}),
		jobStore:  storemem.NewJobStore(),
		pageStore: storemem.NewPageStore(),
		blobStore: storemem.NewBlobStore(),
		hasher:    hasher,
	}
}

func (f *orchFixture) orchestrator(cfg OrchestratorConfig) *Orchestrator {
	return NewOrchestrator(
		f.front, f.polite, f.rend, f.jobStore, f.pageStore, f.blobStore,
		fakeClock{now: time.Unix(1700000000, 0).UTC()}, nil, zap.NewNop(), cfg,
	)
}

func (f *orchFixture) job(t *testing.T, mode crawler.CrawlMode) *crawler.CrawlJob {
	t.Helper()
	job := crawler.CrawlJob{
		ID:        "0190b137-5d17-7c89-a9a5-222222222222",
		WebsiteID: "site-1",
		SeedURL:   "https://example.com",
		Mode:      mode,
		Status:    crawler.JobStatusRunning,
	}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))
	return &job
}

func (f *orchFixture) urlHash(t *testing.T, rawURL string) string {
	t.Helper()
	normalized, err := crawler.NormalizeURL(rawURL, nil)
	require.NoError(t, err)
	hash, err := f.hasher.Hash([]byte(normalized))
	require.NoError(t, err)
	return hash
}

func TestRunCrawlsSeedAndInternalLinks(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 1, 100)
	job := f.job(t, crawler.ModeIncremental)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	require.NoError(t, orch.Run(context.Background(), job, nil))

	// Seed plus /about; the external link and the /about anchor duplicate
	// are never fetched, /careers is beyond max depth.
	require.Equal(t, 2, job.CompletedPages)
	require.Zero(t, job.FailedPages)
	require.Equal(t, []string{"https://example.com", "https://example.com/about"}, f.rend.Fetched)

	pages := f.pageStore.Pages("site-1")
	require.Len(t, pages, 2)
	for _, page := range pages {
		require.NotEmpty(t, page.Title)
		require.NotEmpty(t, page.HTMLStoragePath, "raw HTML must land in blob storage")
		require.Equal(t, 200, page.HTTPStatus)
	}
	require.Equal(t, 2, f.blobStore.Len())
	require.Equal(t, 2, f.polite.successes)

	// Counters were flushed to the job store after each page, and TotalPages
	// tracks them so status polls report real progress.
	stored, err := f.jobStore.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.CompletedPages)
	require.Equal(t, 2, stored.TotalPages)
	require.NotZero(t, stored.ProgressPercent())
}

func TestRunIncrementalSkipsKnownHashes(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 1, 100)
	job := f.job(t, crawler.ModeIncremental)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	existing := map[string]struct{}{
		f.urlHash(t, "https://example.com"): {},
	}
	require.NoError(t, orch.Run(context.Background(), job, existing))

	// The seed is skipped without fetching and nothing else was discovered.
	require.Zero(t, job.CompletedPages)
	require.Zero(t, job.FailedPages)
	require.Empty(t, f.rend.Fetched)
	require.Empty(t, f.polite.acquired, "skips must not pay the politeness cost")
}

func TestRunHardModeRefetchesKnownHashes(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 0, 100)
	job := f.job(t, crawler.ModeHard)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	existing := map[string]struct{}{
		f.urlHash(t, "https://example.com"): {},
	}
	require.NoError(t, orch.Run(context.Background(), job, existing))
	require.Equal(t, 1, job.CompletedPages)
	require.Equal(t, []string{"https://example.com"}, f.rend.Fetched)
}

func TestRunRecordsFailedPages(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 1, 100)
	// The about page 404s; NotFound is terminal so there is exactly one
	// attempt.
	f.rend.Pages["https://example.com/about"] = crawler.RenderedPage{
		HTTPStatus: 404,
		HTML:       "<html><body>gone</body></html>",
	}
	job := f.job(t, crawler.ModeIncremental)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	require.NoError(t, orch.Run(context.Background(), job, nil))
	require.Equal(t, 1, job.CompletedPages)
	require.Equal(t, 1, job.FailedPages)
	require.Equal(t, 1, f.polite.failures)

	// Failed pages are not persisted.
	require.Len(t, f.pageStore.Pages("site-1"), 1)
}

func TestRunSkipsFetchWhenCircuitOpen(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 1, 100)
	f.polite.open["example.com"] = true
	job := f.job(t, crawler.ModeIncremental)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	require.NoError(t, orch.Run(context.Background(), job, nil))
	require.Zero(t, job.CompletedPages)
	require.Equal(t, 1, job.FailedPages, "seed recorded as failed without a fetch")
	require.Empty(t, f.rend.Fetched)
}

func TestRunHonorsMaxPages(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 2, 100)
	job := f.job(t, crawler.ModeIncremental)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 1})

	require.NoError(t, orch.Run(context.Background(), job, nil))
	require.Equal(t, 1, job.CompletedPages)
	require.Equal(t, []string{"https://example.com"}, f.rend.Fetched)

	// The job stopped with the frontier non-empty; the stored snapshot still
	// counts the pending URLs so a status poll mid-crawl reports a partial
	// percentage rather than 0 or 100.
	stored, err := f.jobStore.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.TotalPages, "one completed plus one still queued")
	require.Equal(t, float64(50), stored.ProgressPercent())
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 1, 100)
	job := f.job(t, crawler.ModeIncremental)
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, orch.Run(ctx, job, nil))
	require.Empty(t, f.rend.Fetched)
	require.Zero(t, job.CompletedPages)
}

func TestRunRejectsBadSeed(t *testing.T) {
	t.Parallel()

	f := newOrchFixture(t, 1, 100)
	job := f.job(t, crawler.ModeIncremental)
	job.SeedURL = "https://unrelated.net"
	orch := f.orchestrator(OrchestratorConfig{MaxPages: 10})

	err := orch.Run(context.Background(), job, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rejected by frontier")
}
