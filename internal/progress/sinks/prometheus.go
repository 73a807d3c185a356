package sinks

import (
	"context"

	"github.com/brandlens/crawler/internal/metrics"
	"github.com/brandlens/crawler/internal/progress"
)

// PrometheusSink translates progress events into the service's Prometheus
// collectors. metrics.Init must have been called before events arrive.
type PrometheusSink struct{}

// NewPrometheusSink constructs a PrometheusSink.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{}
}

// Consume updates counters and histograms from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			metrics.JobStarted()
		case progress.StageJobDone:
			metrics.JobDone()
			metrics.JobFinished("completed")
		case progress.StageJobError:
			metrics.JobDone()
			metrics.JobFinished("failed")
		case progress.StagePageDone:
			outcome := "ok"
			if !evt.Success {
				outcome = evt.ErrorKind
			}
			metrics.ObservePage(evt.Domain, outcome)
			metrics.ObserveFetchDuration(evt.Domain, evt.Dur)
		}
	}
	return nil
}

// Close is a no-op for the prometheus sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
