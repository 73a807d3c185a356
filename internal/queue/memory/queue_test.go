package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandlens/crawler/internal/crawler"
)

func TestQueueRoundTrip(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()

	req := crawler.CrawlRequest{JobID: "job-1", SeedURL: "https://example.com"}
	require.NoError(t, q.Enqueue(ctx, req))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDequeueAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	q.Close() // idempotent

	_, err := q.Dequeue(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "closed")
}
