// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/brandlens/crawler/internal/crawler"
)

// JobStore keeps crawl jobs in a map. Safe for concurrent use.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.CrawlJob
}

var _ crawler.JobStore = (*JobStore)(nil)

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.CrawlJob)}
}

// CreateJob stores a new job. The ID must be unused.
func (s *JobStore) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob replaces the stored job.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s not found", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}
