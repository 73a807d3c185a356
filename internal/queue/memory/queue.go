// Package memory provides a channel-backed queue for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/brandlens/crawler/internal/crawler"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.CrawlRequest
	closeMu sync.Mutex
	closed  bool
}

var _ crawler.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan crawler.CrawlRequest, capacity),
	}
}

// Enqueue pushes a request into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, req crawler.CrawlRequest) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CrawlRequest, error) {
	select {
	case <-ctx.Done():
		return crawler.CrawlRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return crawler.CrawlRequest{}, errors.New("queue closed")
		}
		return req, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
