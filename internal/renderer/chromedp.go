// Package renderer contains the page-fetch collaborators that turn a URL
// into HTML. The headless implementation runs JavaScript via chromedp; the
// static implementation does a plain HTTP fetch through colly.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/brandlens/crawler/internal/crawler"
)

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// ChromedpConfig controls the headless rendering subsystem.
type ChromedpConfig struct {
	UserAgent   string
	MaxParallel int
	NavTimeout  time.Duration
}

// ChromedpProvider owns the shared Chrome allocator. Each job opens its own
// browser context via Open and releases it with Close, matching the
// one-browser-context-per-job model.
type ChromedpProvider struct {
	cfg         ChromedpConfig
	allocator   context.Context
	allocCancel context.CancelFunc
	sem         chan struct{}
}

var _ crawler.RendererProvider = (*ChromedpProvider)(nil)

// NewChromedpProvider starts the Chrome exec allocator.
func NewChromedpProvider(cfg ChromedpConfig) (*ChromedpProvider, error) {
	if cfg.MaxParallel <= 0 {
		return nil, ErrRendererDisabled
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromedpProvider{
		cfg:         cfg,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		sem:         make(chan struct{}, cfg.MaxParallel),
	}, nil
}

// Open acquires a browser slot and creates a fresh browser context for one
// job. The returned renderer must be closed to release the slot.
func (p *ChromedpProvider) Open(ctx context.Context) (crawler.Renderer, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser slot: %w", ctx.Err())
	}
	browserCtx, browserCancel := chromedp.NewContext(p.allocator)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		<-p.sem
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &chromedpRenderer{
		provider:      p,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		userAgent:     p.cfg.UserAgent,
		navTimeout:    p.cfg.NavTimeout,
	}, nil
}

// Shutdown tears down the shared allocator. Call after all jobs finish.
func (p *ChromedpProvider) Shutdown() {
	p.allocCancel()
}

type chromedpRenderer struct {
	provider      *ChromedpProvider
	browserCtx    context.Context
	browserCancel context.CancelFunc
	userAgent     string
	navTimeout    time.Duration
	closeOnce     sync.Once
}

// Render navigates a new tab to rawURL and returns the DOM snapshot after
// the body is ready. The caller's ctx deadline bounds the navigation.
func (r *chromedpRenderer) Render(ctx context.Context, rawURL string) (crawler.RenderedPage, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	timeout := r.navTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	taskCtx, cancelTask := context.WithTimeout(tabCtx, timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(r.userAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return crawler.RenderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}

	status := meta.status()
	if status == 0 {
		status = 200
	}
	return crawler.RenderedPage{HTTPStatus: status, HTML: html}, nil
}

// Close releases the browser context and the provider slot.
func (r *chromedpRenderer) Close(context.Context) error {
	r.closeOnce.Do(func() {
		r.browserCancel()
		<-r.provider.sem
	})
	return nil
}

type responseMeta struct {
	once       sync.Once
	statusCode int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev interface{}) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument {
		return
	}
	m.once.Do(func() {
		m.statusCode = int(resp.Response.Status)
	})
}

func (m *responseMeta) status() int {
	return m.statusCode
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
