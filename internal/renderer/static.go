package renderer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/brandlens/crawler/internal/crawler"
)

// StaticConfig controls the plain-HTTP renderer.
type StaticConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// StaticProvider builds colly-backed renderers for sites that do not need
// JavaScript. Useful for local development and as a fallback when headless
// rendering is disabled.
type StaticProvider struct {
	cfg           StaticConfig
	baseCollector *colly.Collector
}

var _ crawler.RendererProvider = (*StaticProvider)(nil)

// NewStaticProvider constructs a StaticProvider.
func NewStaticProvider(cfg StaticConfig) *StaticProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &StaticProvider{cfg: cfg, baseCollector: c}
}

// Open returns a renderer with a cloned collector. Static sessions hold no
// browser resources, so Close is a no-op.
func (p *StaticProvider) Open(context.Context) (crawler.Renderer, error) {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	return &staticRenderer{collector: collector}, nil
}

type staticRenderer struct {
	collector *colly.Collector
}

// Render executes a single HTTP GET. A response with an error status is
// returned as a page, not an error, so the caller can classify it.
func (r *staticRenderer) Render(ctx context.Context, rawURL string) (crawler.RenderedPage, error) {
	var (
		page     crawler.RenderedPage
		gotPage  bool
		fetchErr error
	)
	collector := r.collector.Clone()
	collector.OnResponse(func(resp *colly.Response) {
		page = crawler.RenderedPage{
			HTTPStatus: resp.StatusCode,
			HTML:       string(resp.Body),
		}
		gotPage = true
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			page = crawler.RenderedPage{
				HTTPStatus: resp.StatusCode,
				HTML:       string(resp.Body),
			}
			gotPage = true
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return crawler.RenderedPage{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if gotPage {
			return page, nil
		}
		if fetchErr != nil {
			return crawler.RenderedPage{}, fmt.Errorf("static fetch: %w", fetchErr)
		}
		if err != nil {
			return crawler.RenderedPage{}, fmt.Errorf("static fetch: %w", err)
		}
		return crawler.RenderedPage{}, fmt.Errorf("static fetch produced no response")
	}
}

// Close is a no-op for static sessions.
func (r *staticRenderer) Close(context.Context) error {
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
