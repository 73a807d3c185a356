// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// CrawlMode selects how a job treats previously captured pages.
type CrawlMode string

// Crawl modes accepted by the submit endpoint.
const (
	// ModeIncremental skips URLs whose hash is already persisted.
	ModeIncremental CrawlMode = "incremental"
	// ModeHard re-fetches everything; gated by the per-domain cooldown.
	ModeHard CrawlMode = "hard"
)

// Valid reports whether the mode is one of the supported values.
func (m CrawlMode) Valid() bool {
	return m == ModeIncremental || m == ModeHard
}

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Priority orders URLs within the frontier.
type Priority int

// Frontier priority bands, popped High first.
const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// String returns the lowercase band name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// QueuedURL is an immutable frontier entry. Identity is URLHash.
type QueuedURL struct {
	URL       string
	Depth     int
	Priority  Priority
	ParentURL string
	URLHash   string
}

// CrawlJob is the metadata persisted for each submitted crawl request.
// It is mutated only by the orchestrator driving the job.
type CrawlJob struct {
	ID             string     `json:"id"`
	WebsiteID      string     `json:"website_id"`
	SeedURL        string     `json:"seed_url"`
	Mode           CrawlMode  `json:"mode"`
	Status         JobStatus  `json:"status"`
	TotalPages     int        `json:"total_pages"`
	CompletedPages int        `json:"completed_pages"`
	FailedPages    int        `json:"failed_pages"`
	Submitted      time.Time  `json:"submitted_at"`
	Started        *time.Time `json:"started_at,omitempty"`
	Completed      *time.Time `json:"completed_at,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
}

// ProgressPercent derives completion for the status endpoint.
func (j CrawlJob) ProgressPercent() float64 {
	if j.TotalPages <= 0 {
		return 0
	}
	pct := float64(j.CompletedPages) / float64(j.TotalPages) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// PageFetchResult captures one fetch attempt. Created per attempt, immutable,
// consumed once by the orchestrator.
type PageFetchResult struct {
	URL             string
	URLHash         string
	Success         bool
	HTTPStatus      int
	Title           string
	MetaDescription string
	Text            string
	WordCount       int
	PageType        string
	LinksFound      int
	ErrorKind       ErrorKind
	ErrorText       string
	ElapsedMs       int64
}

// RenderedPage is the renderer collaborator's output for a single URL.
type RenderedPage struct {
	HTTPStatus int
	HTML       string
}

// PageRecord is upserted into the page store for each successfully parsed
// page, keyed by (WebsiteID, URL) so incremental crawls update in place.
type PageRecord struct {
	WebsiteID       string    `json:"website_id"`
	URL             string    `json:"url"`
	URLHash         string    `json:"url_hash"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description"`
	Text            string    `json:"text"`
	HTMLStoragePath string    `json:"html_storage_path,omitempty"`
	WordCount       int       `json:"word_count"`
	PageType        string    `json:"page_type"`
	HTTPStatus      int       `json:"http_status"`
	ScrapedAt       time.Time `json:"scraped_at"`
}

// CrawlRequest wraps a job ready to run on a worker.
type CrawlRequest struct {
	JobID     string    `json:"job_id"`
	WebsiteID string    `json:"website_id"`
	SeedURL   string    `json:"seed_url"`
	Mode      CrawlMode `json:"mode"`
	MaxDepth  int       `json:"max_depth"`
	MaxPages  int       `json:"max_pages"`
	Submitted int64     `json:"submitted_at"`
}
