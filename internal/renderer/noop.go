package renderer

import (
	"context"
	"fmt"
	"sync"

	"github.com/brandlens/crawler/internal/crawler"
)

// Noop is a scripted renderer for tests. Pages map normalized URLs to
// responses; URLs without an entry return a NotFound-shaped page.
type Noop struct {
	mu      sync.Mutex
	Pages   map[string]crawler.RenderedPage
	Errs    map[string]error
	Fetched []string
}

var (
	_ crawler.Renderer         = (*Noop)(nil)
	_ crawler.RendererProvider = (*Noop)(nil)
)

// NewNoop builds a Noop renderer with the supplied pages.
func NewNoop(pages map[string]crawler.RenderedPage) *Noop {
	if pages == nil {
		pages = make(map[string]crawler.RenderedPage)
	}
	return &Noop{Pages: pages, Errs: make(map[string]error)}
}

// Open returns the renderer itself.
func (n *Noop) Open(context.Context) (crawler.Renderer, error) {
	return n, nil
}

// Render returns the scripted response for url.
func (n *Noop) Render(_ context.Context, url string) (crawler.RenderedPage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Fetched = append(n.Fetched, url)
	if err, ok := n.Errs[url]; ok {
		return crawler.RenderedPage{}, fmt.Errorf("noop render: %w", err)
	}
	if page, ok := n.Pages[url]; ok {
		return page, nil
	}
	return crawler.RenderedPage{HTTPStatus: 404, HTML: "<html><body>not found</body></html>"}, nil
}

// Close is a no-op.
func (n *Noop) Close(context.Context) error {
	return nil
}
