// Package worker implements the crawl pipeline: the per-job orchestrator
// loop and the queue consumers that drive it.
package worker

import (
	"context"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/frontier"
	"github.com/brandlens/crawler/internal/parser"
	"github.com/brandlens/crawler/internal/progress"
)

// OrchestratorConfig bounds one crawl run.
type OrchestratorConfig struct {
	MaxPages    int
	PageTimeout time.Duration
	BlobPrefix  string
	ContentType string
}

// Orchestrator drives one crawl job: it pops the frontier, waits on the
// politeness controller, renders and parses pages, feeds discovered links
// back, and persists results. Page fetch/parse/enqueue is strictly
// sequential within a job.
type Orchestrator struct {
	frontier  *frontier.Frontier
	polite    crawler.Politeness
	renderer  crawler.Renderer
	jobStore  crawler.JobStore
	pageStore crawler.PageStore
	blobStore crawler.BlobStore
	retry     *crawler.RetryPolicy
	clock     crawler.Clock
	emitter   progress.Emitter
	logger    *zap.Logger
	cfg       OrchestratorConfig
}

// NewOrchestrator constructs an Orchestrator for a single job.
func NewOrchestrator(
	front *frontier.Frontier,
	polite crawler.Politeness,
	renderer crawler.Renderer,
	jobStore crawler.JobStore,
	pageStore crawler.PageStore,
	blobStore crawler.BlobStore,
	clock crawler.Clock,
	emitter progress.Emitter,
	logger *zap.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 100
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		frontier:  front,
		polite:    polite,
		renderer:  renderer,
		jobStore:  jobStore,
		pageStore: pageStore,
		blobStore: blobStore,
		retry:     crawler.NewRetryPolicy(),
		clock:     clock,
		emitter:   emitter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run executes the crawl loop for job. existingHashes holds the URL hashes
// already captured for the website; in incremental mode those URLs are
// skipped without fetching. Run mutates job's counters in place and returns
// an error only for job-level fatal conditions; individual page failures are
// recorded and the crawl continues.
func (o *Orchestrator) Run(ctx context.Context, job *crawler.CrawlJob, existingHashes map[string]struct{}) error {
	jobID := progress.JobIDBytes(job.ID)

	if !o.frontier.AddURL(job.SeedURL, 0, crawler.PriorityHigh, "") {
		return fmt.Errorf("seed url %q rejected by frontier", job.SeedURL)
	}

	for job.CompletedPages < o.cfg.MaxPages {
		// Cancellation stops enqueuing new pages; a fetch already in
		// flight completes or times out first.
		if ctx.Err() != nil {
			o.logger.Info("crawl canceled", zap.String("job_id", job.ID))
			break
		}
		item, ok := o.frontier.Next()
		if !ok {
			break
		}
		if job.Mode == crawler.ModeIncremental {
			if _, exists := existingHashes[item.URLHash]; exists {
				// Already captured in a prior run; skip without
				// paying the politeness cost.
				o.frontier.MarkScraped(item.URLHash)
				continue
			}
		}

		domain := crawler.DomainOf(item.URL)
		if o.polite.IsOpen(domain) {
			result := crawler.PageFetchResult{
				URL:       item.URL,
				URLHash:   item.URLHash,
				ErrorKind: crawler.ErrKindUnknown,
				ErrorText: fmt.Sprintf("circuit breaker open for %s", domain),
			}
			o.recordPage(ctx, job, jobID, domain, item, result)
			continue
		}

		o.emitter.Emit(progress.Event{
			JobID:  jobID,
			TS:     o.clock.Now(),
			Stage:  progress.StagePageStart,
			Domain: domain,
			URL:    item.URL,
		})

		if err := o.polite.Acquire(ctx, domain); err != nil {
			// Only fails when the job context ends mid-wait.
			o.logger.Info("politeness wait interrupted", zap.String("job_id", job.ID), zap.Error(err))
			break
		}

		result, parsed, html := o.fetchPage(ctx, item)
		if result.Success {
			links := parsed.InternalLinks()
			result.LinksFound = len(links)
			o.frontier.AddURLs(links, item.Depth+1, item.URL)
			if err := o.persistPage(ctx, job, item, result, parsed, html); err != nil {
				o.logger.Error("persist page failed",
					zap.String("job_id", job.ID), zap.String("url", item.URL), zap.Error(err))
				result.Success = false
				result.ErrorKind = crawler.ErrKindUnknown
				result.ErrorText = err.Error()
			}
		}
		o.recordPage(ctx, job, jobID, domain, item, result)
	}
	return nil
}

// recordPage applies one PageFetchResult to the frontier, the politeness
// controller, and the job counters, then reports progress.
func (o *Orchestrator) recordPage(
	ctx context.Context,
	job *crawler.CrawlJob,
	jobID [16]byte,
	domain string,
	item crawler.QueuedURL,
	result crawler.PageFetchResult,
) {
	o.frontier.MarkScraped(item.URLHash)
	if result.ElapsedMs > 0 {
		o.polite.RecordResponseTime(domain, time.Duration(result.ElapsedMs)*time.Millisecond)
	}
	if result.Success {
		o.polite.RecordSuccess(domain)
		job.CompletedPages++
	} else {
		o.polite.RecordFailure(domain)
		job.FailedPages++
	}
	// Keep TotalPages current while the job runs so status polls derive a
	// meaningful percentage instead of 0 until completion.
	job.TotalPages = job.CompletedPages + job.FailedPages + o.frontier.Len()

	if err := o.jobStore.UpdateJob(ctx, *job); err != nil {
		o.logger.Error("update job counters failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	o.emitter.Emit(progress.Event{
		JobID:     jobID,
		TS:        o.clock.Now(),
		Stage:     progress.StagePageDone,
		Domain:    domain,
		URL:       item.URL,
		PageType:  result.PageType,
		Words:     int64(result.WordCount),
		Success:   result.Success,
		ErrorKind: result.ErrorKind.String(),
		Dur:       time.Duration(result.ElapsedMs) * time.Millisecond,
		Note:      result.ErrorText,
	})
}

// fetchPage renders item with retries per the error classification table and
// parses the HTML on success. On failure the returned result carries the last
// error kind; parsed and html are zero values.
func (o *Orchestrator) fetchPage(ctx context.Context, item crawler.QueuedURL) (crawler.PageFetchResult, *parser.ParsedContent, string) {
	result := crawler.PageFetchResult{URL: item.URL, URLHash: item.URLHash}

	for attempt := 0; ; attempt++ {
		pageCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
		start := time.Now()
		page, err := o.renderer.Render(pageCtx, item.URL)
		elapsed := time.Since(start)
		cancel()

		result.HTTPStatus = page.HTTPStatus
		result.ElapsedMs = elapsed.Milliseconds()

		if err == nil && page.HTTPStatus < 400 {
			parsed, parseErr := parser.Parse(page.HTML, item.URL)
			if parseErr != nil {
				result.ErrorKind = crawler.ErrKindUnknown
				result.ErrorText = parseErr.Error()
				return result, nil, ""
			}
			result.Success = true
			result.Title = parsed.Title
			result.MetaDescription = parsed.MetaDescription
			result.Text = parsed.Text
			result.WordCount = parsed.WordCount
			result.PageType = parsed.PageType
			return result, parsed, page.HTML
		}

		kind := crawler.Classify(err, page.HTTPStatus)
		result.ErrorKind = kind
		if err != nil {
			result.ErrorText = err.Error()
		} else {
			result.ErrorText = fmt.Sprintf("http status %d", page.HTTPStatus)
		}

		if ctx.Err() != nil || !o.retry.ShouldRetry(kind, attempt) {
			return result, nil, ""
		}
		backoff := o.retry.Backoff(kind, attempt)
		o.logger.Debug("retrying page fetch",
			zap.String("url", item.URL),
			zap.String("kind", kind.String()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return result, nil, ""
		}
	}
}

// persistPage stores the raw HTML (best effort path) and upserts the parsed
// page keyed by (websiteID, url).
func (o *Orchestrator) persistPage(
	ctx context.Context,
	job *crawler.CrawlJob,
	item crawler.QueuedURL,
	result crawler.PageFetchResult,
	parsed *parser.ParsedContent,
	html string,
) error {
	storagePath := ""
	if o.blobStore != nil {
		blobPath := o.blobPath(job.WebsiteID, item.URLHash)
		uri, err := o.blobStore.PutObject(ctx, blobPath, o.cfg.ContentType, []byte(html))
		if err != nil {
			// Losing the raw HTML is tolerable; the parsed record is not.
			o.logger.Warn("blob upload failed", zap.String("url", item.URL), zap.Error(err))
		} else {
			storagePath = uri
		}
	}

	record := crawler.PageRecord{
		WebsiteID:       job.WebsiteID,
		URL:             item.URL,
		URLHash:         item.URLHash,
		Title:           parsed.Title,
		MetaDescription: parsed.MetaDescription,
		Text:            parsed.Text,
		HTMLStoragePath: storagePath,
		WordCount:       parsed.WordCount,
		PageType:        parsed.PageType,
		HTTPStatus:      result.HTTPStatus,
		ScrapedAt:       o.clock.Now(),
	}
	if err := o.pageStore.UpsertPage(ctx, record); err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

func (o *Orchestrator) blobPath(websiteID, urlHash string) string {
	if o.cfg.BlobPrefix == "" {
		return path.Join(websiteID, urlHash+".html")
	}
	return path.Join(o.cfg.BlobPrefix, websiteID, urlHash+".html")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
