package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/frontier"
	"github.com/brandlens/crawler/internal/progress"
)

// Config controls Worker behavior.
type Config struct {
	MaxDepthDefault int
	MaxPagesDefault int
	MaxURLs         int
	PageTimeout     time.Duration
	BlobPrefix      string
	ContentType     string
	AnalysisTopic   string
}

// Registry tracks cancel functions for running jobs so the API can cancel
// them. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Track registers the cancel function for a running job.
func (r *Registry) Track(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

// Untrack removes a finished job.
func (r *Registry) Untrack(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// Cancel stops the named job if it is running. Returns whether a running job
// was found.
func (r *Registry) Cancel(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Worker consumes crawl requests and executes one job at a time.
type Worker struct {
	queue     crawler.Queue
	jobStore  crawler.JobStore
	pageStore crawler.PageStore
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	polite    crawler.Politeness
	renderers crawler.RendererProvider
	hasher    crawler.Hasher
	clock     crawler.Clock
	emitter   progress.Emitter
	registry  *Registry
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	pageStore crawler.PageStore,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	polite crawler.Politeness,
	renderers crawler.RendererProvider,
	hasher crawler.Hasher,
	clock crawler.Clock,
	emitter progress.Emitter,
	registry *Registry,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.MaxDepthDefault <= 0 {
		cfg.MaxDepthDefault = 2
	}
	if cfg.MaxPagesDefault <= 0 {
		cfg.MaxPagesDefault = 100
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 1000
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		pageStore: pageStore,
		blobStore: blobStore,
		publisher: publisher,
		polite:    polite,
		renderers: renderers,
		hasher:    hasher,
		clock:     clock,
		emitter:   emitter,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued crawl request", zap.String("job_id", req.JobID))
		w.processJob(ctx, req)
	}
}

func (w *Worker) processJob(ctx context.Context, req crawler.CrawlRequest) {
	job, err := w.jobStore.GetJob(ctx, req.JobID)
	if err != nil {
		w.logger.Error("job not found for request", zap.String("job_id", req.JobID), zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		w.logger.Warn("skipping job in terminal state",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.registry.Track(job.ID, cancel)
	defer w.registry.Untrack(job.ID)

	started := w.clock.Now()
	job.Status = crawler.JobStatusRunning
	job.Started = &started
	if err := w.jobStore.UpdateJob(jobCtx, job); err != nil {
		w.logger.Error("mark job running failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	jobID := progress.JobIDBytes(job.ID)
	w.emitter.Emit(progress.Event{JobID: jobID, TS: started, Stage: progress.StageJobStart})

	runErr := w.runJob(jobCtx, &job, req)

	finished := w.clock.Now()
	job.Completed = &finished
	job.TotalPages = job.CompletedPages + job.FailedPages
	if runErr != nil {
		job.Status = crawler.JobStatusFailed
		job.ErrorText = runErr.Error()
		w.emitter.Emit(progress.Event{
			JobID: jobID, TS: finished, Stage: progress.StageJobError,
			Dur: finished.Sub(started), Note: runErr.Error(),
		})
	} else {
		job.Status = crawler.JobStatusCompleted
		if job.Mode == crawler.ModeHard {
			w.polite.RecordHardScrape(crawler.DomainOf(job.SeedURL))
		}
		w.emitter.Emit(progress.Event{
			JobID: jobID, TS: finished, Stage: progress.StageJobDone,
			Dur: finished.Sub(started),
		})
	}

	// Final status write uses the worker context so a canceled job still
	// lands in a terminal state.
	if err := w.jobStore.UpdateJob(ctx, job); err != nil {
		w.logger.Error("final job update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if job.Status == crawler.JobStatusCompleted {
		w.notifyAnalysis(ctx, job)
	}
}

// runJob prepares collaborators and drives the orchestrator. Errors returned
// here are job-level fatal.
func (w *Worker) runJob(ctx context.Context, job *crawler.CrawlJob, req crawler.CrawlRequest) error {
	domain := crawler.DomainOf(job.SeedURL)
	if domain == "" {
		return fmt.Errorf("seed url %q has no host", job.SeedURL)
	}

	// Re-check the cooldown at run time; the submit-side check may have
	// raced another hard crawl of the same domain.
	if job.Mode == crawler.ModeHard && !w.polite.CanHardScrape(domain) {
		next := w.polite.NextHardScrapeAvailable(domain)
		if next != nil {
			return fmt.Errorf("hard crawl cooldown active for %s until %s", domain, next.Format(time.RFC3339))
		}
		return fmt.Errorf("hard crawl cooldown active for %s", domain)
	}

	var existing map[string]struct{}
	if job.Mode == crawler.ModeIncremental {
		hashes, err := w.pageStore.ExistingHashes(ctx, job.WebsiteID)
		if err != nil {
			return fmt.Errorf("load existing hashes: %w", err)
		}
		existing = hashes
	}

	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = w.cfg.MaxDepthDefault
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = w.cfg.MaxPagesDefault
	}

	front, err := frontier.New(frontier.Config{
		SeedURL:  job.SeedURL,
		MaxDepth: maxDepth,
		MaxURLs:  w.cfg.MaxURLs,
	}, w.hasher)
	if err != nil {
		return fmt.Errorf("build frontier: %w", err)
	}

	renderer, err := w.renderers.Open(ctx)
	if err != nil {
		return fmt.Errorf("open renderer: %w", err)
	}
	defer func() {
		if closeErr := renderer.Close(context.WithoutCancel(ctx)); closeErr != nil {
			w.logger.Warn("renderer close failed", zap.String("job_id", job.ID), zap.Error(closeErr))
		}
	}()

	orch := NewOrchestrator(
		front, w.polite, renderer, w.jobStore, w.pageStore, w.blobStore,
		w.clock, w.emitter, w.logger,
		OrchestratorConfig{
			MaxPages:    maxPages,
			PageTimeout: w.cfg.PageTimeout,
			BlobPrefix:  w.cfg.BlobPrefix,
			ContentType: w.cfg.ContentType,
		},
	)
	return orch.Run(ctx, job, existing)
}

// notifyAnalysis hands the finished job to the downstream classification
// pipeline. Fire-and-forget: failures are logged, never propagated.
func (w *Worker) notifyAnalysis(ctx context.Context, job crawler.CrawlJob) {
	if w.publisher == nil || w.cfg.AnalysisTopic == "" {
		return
	}
	payload := map[string]any{
		"website_id":    job.WebsiteID,
		"job_id":        job.ID,
		"mode":          string(job.Mode),
		"pages_crawled": job.CompletedPages,
		"completed_at":  w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.AnalysisTopic, payload); err != nil {
		w.logger.Warn("analysis notification failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Info("analysis pipeline notified",
		zap.String("job_id", job.ID), zap.String("website_id", job.WebsiteID))
}
