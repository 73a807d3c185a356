// Package frontier maintains the prioritized, deduplicated set of URLs a
// crawl has discovered but not yet fetched.
package frontier

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/brandlens/crawler/internal/crawler"
)

// Config bounds a frontier instance.
type Config struct {
	SeedURL  string
	MaxDepth int
	MaxURLs  int
}

// Stats is a point-in-time snapshot of frontier counters.
type Stats struct {
	Queued            int
	Scraped           int
	DuplicatesSkipped int
	DepthExceeded     int
	DomainFiltered    int
	PendingByPriority map[crawler.Priority]int
}

// Frontier is an in-memory multi-queue with hash-based dedup, depth tracking
// and domain filtering. It is owned by exactly one orchestrator goroutine and
// is not safe for concurrent use.
type Frontier struct {
	cfg        Config
	base       *url.URL
	seedDomain string
	hasher     crawler.Hasher

	queues  [3][]crawler.QueuedURL
	seen    map[string]struct{}
	scraped map[string]struct{}

	duplicatesSkipped int
	depthExceeded     int
	domainFiltered    int
}

// New builds a Frontier rooted at cfg.SeedURL. The seed itself is not
// enqueued; callers seed via AddURL at depth 0.
func New(cfg Config, hasher crawler.Hasher) (*Frontier, error) {
	normalized, err := crawler.NormalizeURL(cfg.SeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("normalize seed: %w", err)
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be >= 0")
	}
	if cfg.MaxURLs <= 0 {
		return nil, fmt.Errorf("max urls must be > 0")
	}
	return &Frontier{
		cfg:        cfg,
		base:       base,
		seedDomain: base.Hostname(),
		hasher:     hasher,
		seen:       make(map[string]struct{}),
		scraped:    make(map[string]struct{}),
	}, nil
}

// AddURL normalizes and enqueues one URL. It returns false when the URL is
// rejected: depth over the limit, domain outside the seed's site, a hash we
// have already seen, or the total URL budget reached.
func (f *Frontier) AddURL(rawURL string, depth int, priority crawler.Priority, parentURL string) bool {
	if depth > f.cfg.MaxDepth {
		f.depthExceeded++
		return false
	}
	normalized, err := crawler.NormalizeURL(rawURL, f.base)
	if err != nil {
		f.domainFiltered++
		return false
	}
	if !crawler.SameOrSubdomain(crawler.DomainOf(normalized), f.seedDomain) {
		f.domainFiltered++
		return false
	}
	hash, err := f.hasher.Hash([]byte(normalized))
	if err != nil {
		return false
	}
	if _, dup := f.seen[hash]; dup {
		f.duplicatesSkipped++
		return false
	}
	if len(f.seen) >= f.cfg.MaxURLs {
		return false
	}

	f.seen[hash] = struct{}{}
	f.queues[priority] = append(f.queues[priority], crawler.QueuedURL{
		URL:       normalized,
		Depth:     depth,
		Priority:  priority,
		ParentURL: parentURL,
		URLHash:   hash,
	})
	return true
}

// AddURLs enqueues a batch of discovered links, assigning priority from the
// URL path, and returns how many were accepted.
func (f *Frontier) AddURLs(rawURLs []string, depth int, parentURL string) int {
	accepted := 0
	for _, raw := range rawURLs {
		if f.AddURL(raw, depth, PriorityForPath(raw), parentURL) {
			accepted++
		}
	}
	return accepted
}

// Next pops the next URL in strict priority order, FIFO within a band.
// The second return is false when the frontier is empty.
func (f *Frontier) Next() (crawler.QueuedURL, bool) {
	for i := range f.queues {
		if len(f.queues[i]) == 0 {
			continue
		}
		next := f.queues[i][0]
		f.queues[i] = f.queues[i][1:]
		return next, true
	}
	return crawler.QueuedURL{}, false
}

// MarkScraped records that a fetch was attempted for the hash. A scraped hash
// is never re-enqueued within the same crawl run.
func (f *Frontier) MarkScraped(urlHash string) {
	f.scraped[urlHash] = struct{}{}
}

// IsScraped reports whether a fetch was already attempted for the URL.
func (f *Frontier) IsScraped(rawURL string) bool {
	normalized, err := crawler.NormalizeURL(rawURL, f.base)
	if err != nil {
		return false
	}
	hash, err := f.hasher.Hash([]byte(normalized))
	if err != nil {
		return false
	}
	_, ok := f.scraped[hash]
	return ok
}

// Len returns the number of URLs currently queued across all bands.
func (f *Frontier) Len() int {
	return len(f.queues[crawler.PriorityHigh]) +
		len(f.queues[crawler.PriorityMedium]) +
		len(f.queues[crawler.PriorityLow])
}

// Stats snapshots the frontier counters.
func (f *Frontier) Stats() Stats {
	return Stats{
		Queued:            f.Len(),
		Scraped:           len(f.scraped),
		DuplicatesSkipped: f.duplicatesSkipped,
		DepthExceeded:     f.depthExceeded,
		DomainFiltered:    f.domainFiltered,
		PendingByPriority: map[crawler.Priority]int{
			crawler.PriorityHigh:   len(f.queues[crawler.PriorityHigh]),
			crawler.PriorityMedium: len(f.queues[crawler.PriorityMedium]),
			crawler.PriorityLow:    len(f.queues[crawler.PriorityLow]),
		},
	}
}

var (
	highValueSegments = map[string]struct{}{
		"pricing": {}, "features": {}, "products": {}, "services": {},
		"solutions": {}, "platform": {}, "about": {}, "contact": {},
	}
	lowValueSegments = map[string]struct{}{
		"blog": {}, "news": {}, "press": {}, "careers": {},
		"legal": {}, "privacy": {}, "terms": {}, "sitemap": {},
	}
)

// PriorityForPath assigns a band from static path-pattern rules: the root and
// canonical high-value paths rank High, housekeeping paths Low, the rest
// Medium.
func PriorityForPath(rawURL string) crawler.Priority {
	u, err := url.Parse(rawURL)
	if err != nil {
		return crawler.PriorityMedium
	}
	path := strings.Trim(strings.ToLower(u.Path), "/")
	if path == "" {
		return crawler.PriorityHigh
	}
	first := path
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		first = path[:idx]
	}
	if _, ok := highValueSegments[first]; ok {
		return crawler.PriorityHigh
	}
	if _, ok := lowValueSegments[first]; ok {
		return crawler.PriorityLow
	}
	return crawler.PriorityMedium
}
