// Package dispatcher manages worker fan-out over the crawl queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/worker"
)

// Dispatcher fans out queued crawl requests to a pool of workers. Bounded
// concurrency across jobs lives here; within a job everything is sequential.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, req crawler.CrawlRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
