// Package pubsub backs the crawl queue with Google Cloud Pub/Sub, for
// deployments where submitters and workers run as separate processes.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/crawler"
)

// Config identifies the topic and subscription carrying crawl requests.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// Queue publishes crawl requests to a topic and receives them from a
// subscription. Messages are acked once handed to a worker.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	recv      chan crawler.CrawlRequest
	startRecv sync.Once
}

var _ crawler.Queue = (*Queue)(nil)

// New connects to Pub/Sub and verifies the topic exists. The subscription is
// only required when the queue will be consumed; pass an empty SubscriptionID
// for publish-only use.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %s does not exist in project %s", cfg.TopicID, cfg.ProjectID)
	}
	q := &Queue{
		client: client,
		topic:  topic,
		logger: logger,
		recv:   make(chan crawler.CrawlRequest),
	}
	if cfg.SubscriptionID != "" {
		q.sub = client.Subscription(cfg.SubscriptionID)
	}
	return q, nil
}

// Enqueue publishes the request as JSON and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, req crawler.CrawlRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal crawl request: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish crawl request: %w", err)
	}
	return nil
}

// Dequeue returns the next crawl request from the subscription. The first
// call starts the background receiver.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CrawlRequest, error) {
	if q.sub == nil {
		return crawler.CrawlRequest{}, fmt.Errorf("queue has no subscription configured")
	}
	q.startRecv.Do(func() {
		go q.receive(ctx)
	})
	select {
	case <-ctx.Done():
		return crawler.CrawlRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req := <-q.recv:
		return req, nil
	}
}

// receive pumps subscription messages into the recv channel. Malformed
// messages are acked and dropped so they do not redeliver forever.
func (q *Queue) receive(ctx context.Context) {
	err := q.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		var req crawler.CrawlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			q.logger.Warn("dropping malformed crawl request message", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.recv <- req:
			msg.Ack()
		case <-msgCtx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Close stops the topic publisher and closes the client.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
