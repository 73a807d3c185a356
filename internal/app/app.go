// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the crawl service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/brandlens/crawler/internal/api"
	"github.com/brandlens/crawler/internal/clock/system"
	"github.com/brandlens/crawler/internal/config"
	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/dispatcher"
	"github.com/brandlens/crawler/internal/hash/sha256"
	"github.com/brandlens/crawler/internal/id/uuid"
	"github.com/brandlens/crawler/internal/logging"
	"github.com/brandlens/crawler/internal/metrics"
	"github.com/brandlens/crawler/internal/politeness"
	"github.com/brandlens/crawler/internal/progress"
	"github.com/brandlens/crawler/internal/progress/sinks"
	pubmem "github.com/brandlens/crawler/internal/publisher/memory"
	pubps "github.com/brandlens/crawler/internal/publisher/pubsub"
	queuemem "github.com/brandlens/crawler/internal/queue/memory"
	queueps "github.com/brandlens/crawler/internal/queue/pubsub"
	"github.com/brandlens/crawler/internal/renderer"
	"github.com/brandlens/crawler/internal/storage/gcs"
	"github.com/brandlens/crawler/internal/storage/local"
	storemem "github.com/brandlens/crawler/internal/storage/memory"
	"github.com/brandlens/crawler/internal/storage/postgres"
	"github.com/brandlens/crawler/internal/worker"
)

// App holds all the shared, long-lived services for the crawl service. It is
// built once at startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	jobStore  crawler.JobStore
	pageStore crawler.PageStore
	blobStore crawler.BlobStore
	queue     crawler.Queue
	publisher crawler.Publisher
	polite    crawler.Politeness
	renderers crawler.RendererProvider
	registry  *worker.Registry
	hub       *progress.Hub
	disp      *dispatcher.Dispatcher
	server    *api.Server

	closers []func()
}

// New builds every service from cfg, failing fast on any misconfiguration.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	if err := a.buildStores(ctx); err != nil {
		return nil, err
	}
	if err := a.buildQueueAndPublisher(ctx); err != nil {
		return nil, err
	}
	a.buildPoliteness()
	if err := a.buildRenderers(); err != nil {
		return nil, err
	}

	a.hub = progress.NewHub(
		progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		sinks.NewPrometheusSink(),
	)
	a.registry = worker.NewRegistry()

	clk := system.New()
	hasher := sha256.New()
	workerCfg := worker.Config{
		MaxDepthDefault: cfg.Crawler.MaxDepthDefault,
		MaxPagesDefault: cfg.Crawler.MaxPagesDefault,
		MaxURLs:         cfg.Crawler.MaxURLs,
		PageTimeout:     cfg.PageTimeout(),
		BlobPrefix:      cfg.Storage.Prefix,
		ContentType:     cfg.Storage.ContentType,
		AnalysisTopic:   cfg.PubSub.AnalysisTopic,
	}
	workers := make([]*worker.Worker, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		workers = append(workers, worker.New(
			a.queue, a.jobStore, a.pageStore, a.blobStore, a.publisher,
			a.polite, a.renderers, hasher, clk, a.hub, a.registry,
			workerCfg, logger,
		))
	}
	a.disp = dispatcher.New(a.queue, workers)
	a.server = api.NewServer(
		a.jobStore, a.disp, a.registry, a.polite,
		uuid.NewGenerator(), clk, cfg, logger,
	)

	logger.Info("application services initialized",
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("headless", cfg.Renderer.Headless),
	)
	return a, nil
}

func (a *App) buildStores(ctx context.Context) error {
	if a.cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        int32(a.cfg.DB.MaxConns),
			MinConns:        int32(a.cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetime) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("initialize postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		jobStore, err := postgres.NewJobStore(pool)
		if err != nil {
			return err
		}
		pageStore, err := postgres.NewPageStore(pool)
		if err != nil {
			return err
		}
		a.jobStore = jobStore
		a.pageStore = pageStore
	} else {
		a.logger.Info("no database configured, using in-memory stores")
		a.jobStore = storemem.NewJobStore()
		a.pageStore = storemem.NewPageStore()
	}

	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("initialize gcs store: %w", err)
		}
		a.blobStore = store
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("initialize local store: %w", err)
		}
		a.blobStore = store
	default:
		a.blobStore = storemem.NewBlobStore()
	}
	return nil
}

func (a *App) buildQueueAndPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.CrawlTopic != "" {
		q, err := queueps.New(ctx, queueps.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			TopicID:        a.cfg.PubSub.CrawlTopic,
			SubscriptionID: a.cfg.PubSub.CrawlSub,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("initialize pubsub queue: %w", err)
		}
		a.closers = append(a.closers, func() { _ = q.Close() })
		a.queue = q
	} else {
		a.logger.Info("no pubsub configured, using in-memory queue")
		memq := queuemem.NewQueue(a.cfg.Crawler.QueueDepth)
		a.closers = append(a.closers, memq.Close)
		a.queue = memq
	}

	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.AnalysisTopic != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		pub, err := pubps.New(client)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			pub.Close()
			_ = client.Close()
		})
		a.publisher = pub
	} else {
		a.publisher = pubmem.New()
	}
	return nil
}

func (a *App) buildPoliteness() {
	a.polite = politeness.New(politeness.Config{
		MinDelay:                time.Duration(a.cfg.Politeness.MinDelayMs) * time.Millisecond,
		MaxDelay:                time.Duration(a.cfg.Politeness.MaxDelayMs) * time.Millisecond,
		RequestsPerSecond:       a.cfg.Politeness.RequestsPerSecond,
		RequestsPerMinute:       a.cfg.Politeness.RequestsPerMinute,
		HardScrapeCooldown:      a.cfg.HardCooldown(),
		BreakerFailureThreshold: a.cfg.Politeness.BreakerThreshold,
		BreakerMinAttempts:      a.cfg.Politeness.BreakerMinAttempts,
		BreakerTimeout:          time.Duration(a.cfg.Politeness.BreakerTimeoutMinute) * time.Minute,
	}, system.New(), a.logger)
}

func (a *App) buildRenderers() error {
	if a.cfg.Renderer.Headless {
		provider, err := renderer.NewChromedpProvider(renderer.ChromedpConfig{
			UserAgent:   a.cfg.Crawler.UserAgent,
			MaxParallel: a.cfg.Renderer.MaxParallel,
			NavTimeout:  time.Duration(a.cfg.Renderer.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("initialize headless renderer: %w", err)
		}
		a.closers = append(a.closers, provider.Shutdown)
		a.renderers = provider
		return nil
	}
	a.logger.Info("headless rendering disabled, using static fetcher")
	a.renderers = renderer.NewStaticProvider(renderer.StaticConfig{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.PageTimeout(),
	})
	return nil
}

// Run starts the worker pool and the HTTP server, blocking until ctx is
// canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	go a.disp.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http server shutdown failed", zap.Error(err))
	}
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Close tears down all services in reverse construction order.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	hubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.hub.Close(hubCtx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}
