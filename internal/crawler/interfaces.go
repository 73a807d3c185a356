package crawler

import (
	"context"
	"time"
)

// JobStore persists crawl job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	UpdateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
}

// PageStore upserts parsed pages keyed by (website_id, url) and reports
// which URL hashes a website already has, for incremental skips.
type PageStore interface {
	UpsertPage(ctx context.Context, page PageRecord) error
	ExistingHashes(ctx context.Context, websiteID string) (map[string]struct{}, error)
}

// BlobStore writes raw HTML artifacts and returns a storage path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to the downstream analysis pipeline.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Renderer turns a URL into HTML via a sandboxed headless-browser call.
// Implementations own a browser context scoped to one job.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderedPage, error)
	Close(ctx context.Context) error
}

// RendererProvider opens a Renderer for the duration of one job.
type RendererProvider interface {
	Open(ctx context.Context) (Renderer, error)
}

// Politeness is the per-domain admission-control surface consumed by the
// orchestrator. Implementations must be safe for concurrent use across jobs
// touching the same domain.
type Politeness interface {
	Acquire(ctx context.Context, domain string) error
	RecordResponseTime(domain string, elapsed time.Duration)
	RecordSuccess(domain string)
	RecordFailure(domain string)
	IsOpen(domain string) bool
	CanHardScrape(domain string) bool
	NextHardScrapeAvailable(domain string) *time.Time
	RecordHardScrape(domain string)
}

// Queue provides enqueue/dequeue semantics for crawl requests.
type Queue interface {
	Enqueue(ctx context.Context, req CrawlRequest) error
	Dequeue(ctx context.Context) (CrawlRequest, error)
}

// Hasher computes stable digests for URL deduplication and storage keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
