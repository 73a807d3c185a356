package memory

import (
	"context"
	"sync"

	"github.com/brandlens/crawler/internal/crawler"
)

// PageStore keeps parsed pages keyed by (website, url). Safe for concurrent
// use.
type PageStore struct {
	mu    sync.RWMutex
	pages map[string]map[string]crawler.PageRecord
}

var _ crawler.PageStore = (*PageStore)(nil)

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{pages: make(map[string]map[string]crawler.PageRecord)}
}

// UpsertPage inserts or replaces the record for (website, url).
func (s *PageStore) UpsertPage(_ context.Context, page crawler.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.pages[page.WebsiteID]
	if !ok {
		site = make(map[string]crawler.PageRecord)
		s.pages[page.WebsiteID] = site
	}
	site[page.URL] = page
	return nil
}

// ExistingHashes returns the URL hashes stored for a website.
func (s *PageStore) ExistingHashes(_ context.Context, websiteID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, page := range s.pages[websiteID] {
		out[page.URLHash] = struct{}{}
	}
	return out, nil
}

// Pages returns a copy of all records for a website, for tests.
func (s *PageStore) Pages(websiteID string) []crawler.PageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.PageRecord, 0, len(s.pages[websiteID]))
	for _, page := range s.pages[websiteID] {
		out = append(out, page)
	}
	return out
}
