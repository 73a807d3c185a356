package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/hash/sha256"
	pubmem "github.com/brandlens/crawler/internal/publisher/memory"
	queuemem "github.com/brandlens/crawler/internal/queue/memory"
	"github.com/brandlens/crawler/internal/renderer"
	storemem "github.com/brandlens/crawler/internal/storage/memory"
)

type workerFixture struct {
	worker    *Worker
	queue     *queuemem.Queue
	jobStore  *storemem.JobStore
	pageStore *storemem.PageStore
	publisher *pubmem.Publisher
	polite    *fakePolite
	rend      *renderer.Noop
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		queue:     queuemem.NewQueue(8),
		jobStore:  storemem.NewJobStore(),
		pageStore: storemem.NewPageStore(),
		publisher: pubmem.New(),
		polite:    newFakePolite(),
		rend: renderer.NewNoop(map[string]crawler.RenderedPage{
			"https://example.com":       {HTTPStatus: 200, HTML: seedHTML},
			"https://example.com/about": {HTTPStatus: 200, HTML: aboutHTML},
		}),
	}
	f.worker = New(
		f.queue, f.jobStore, f.pageStore, storemem.NewBlobStore(), f.publisher,
		f.polite, f.rend, sha256.New(), fakeClock{now: time.Unix(1700000000, 0).UTC()},
		nil, NewRegistry(),
		Config{
			MaxDepthDefault: 1,
			MaxPagesDefault: 10,
			AnalysisTopic:   "page-analysis",
		},
		zap.NewNop(),
	)
	return f
}

func (f *workerFixture) queuedJob(t *testing.T, mode crawler.CrawlMode) crawler.CrawlRequest {
	t.Helper()
	job := crawler.CrawlJob{
		ID:        "0190b137-5d17-7c89-a9a5-333333333333",
		WebsiteID: "site-1",
		SeedURL:   "https://example.com",
		Mode:      mode,
		Status:    crawler.JobStatusQueued,
		Submitted: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))
	return crawler.CrawlRequest{
		JobID:     job.ID,
		WebsiteID: job.WebsiteID,
		SeedURL:   job.SeedURL,
		Mode:      job.Mode,
	}
}

func TestProcessJobCompletesAndNotifies(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	req := f.queuedJob(t, crawler.ModeIncremental)

	f.worker.processJob(context.Background(), req)

	job, err := f.jobStore.GetJob(context.Background(), req.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.CompletedPages)
	require.Equal(t, 2, job.TotalPages)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Completed)

	msgs := f.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "page-analysis", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, req.JobID, payload["job_id"])
	require.Equal(t, "site-1", payload["website_id"])
}

func TestProcessJobHardModeStampsCooldown(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	req := f.queuedJob(t, crawler.ModeHard)

	f.worker.processJob(context.Background(), req)

	job, err := f.jobStore.GetJob(context.Background(), req.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Contains(t, f.polite.hardStamp, "example.com")
}

func TestProcessJobRejectsHardModeInCooldown(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	f.polite.allowHard = false
	next := time.Unix(1700600000, 0).UTC()
	f.polite.nextHard = &next
	req := f.queuedJob(t, crawler.ModeHard)

	f.worker.processJob(context.Background(), req)

	job, err := f.jobStore.GetJob(context.Background(), req.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "cooldown")
	require.Empty(t, f.rend.Fetched)
	require.Empty(t, f.publisher.Messages(), "failed jobs must not reach the analysis topic")
}

func TestProcessJobSkipsTerminalJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	job := crawler.CrawlJob{
		ID:        "0190b137-5d17-7c89-a9a5-444444444444",
		WebsiteID: "site-1",
		SeedURL:   "https://example.com",
		Mode:      crawler.ModeIncremental,
		Status:    crawler.JobStatusCompleted,
	}
	require.NoError(t, f.jobStore.CreateJob(context.Background(), job))

	f.worker.processJob(context.Background(), crawler.CrawlRequest{JobID: job.ID})
	require.Empty(t, f.rend.Fetched)
	require.Empty(t, f.publisher.Messages())
}

func TestProcessJobIgnoresUnknownJob(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	f.worker.processJob(context.Background(), crawler.CrawlRequest{JobID: "missing"})
	require.Empty(t, f.rend.Fetched)
}

func TestRunConsumesQueueUntilContextEnds(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	req := f.queuedJob(t, crawler.ModeIncremental)
	require.NoError(t, f.queue.Enqueue(context.Background(), req))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		job, err := f.jobStore.GetJob(context.Background(), req.JobID)
		return err == nil && job.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestRegistryCancel(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.False(t, reg.Cancel("absent"))

	ctx, cancel := context.WithCancel(context.Background())
	reg.Track("job-1", cancel)
	require.True(t, reg.Cancel("job-1"))
	require.ErrorIs(t, ctx.Err(), context.Canceled)

	reg.Untrack("job-1")
	require.False(t, reg.Cancel("job-1"))
}
