// Package politeness enforces per-domain crawl rate policy: adaptive delay,
// sliding-window request caps, a circuit breaker, and the hard re-crawl
// cooldown gate. One Controller is shared by every job in the process.
package politeness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/brandlens/crawler/internal/crawler"
	"github.com/brandlens/crawler/internal/metrics"
)

const latencyHistorySize = 10

// Config holds the politeness knobs. Zero values fall back to defaults.
type Config struct {
	MinDelay           time.Duration
	MaxDelay           time.Duration
	RequestsPerSecond  float64
	RequestsPerMinute  int
	HardScrapeCooldown time.Duration

	BreakerFailureThreshold float64
	BreakerMinAttempts      int
	BreakerTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 60
	}
	if c.HardScrapeCooldown <= 0 {
		c.HardScrapeCooldown = 7 * 24 * time.Hour
	}
	if c.BreakerFailureThreshold <= 0 {
		c.BreakerFailureThreshold = 0.8
	}
	if c.BreakerMinAttempts <= 0 {
		c.BreakerMinAttempts = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 15 * time.Minute
	}
	return c
}

// domainState is created lazily on first reference to a domain and lives for
// the lifetime of the Controller. All fields are guarded by mu.
type domainState struct {
	mu sync.Mutex

	limiter       *rate.Limiter
	window        []time.Time
	latencies     []time.Duration
	adaptiveDelay time.Duration
	lastRequest   time.Time

	lastHardScrape time.Time

	successes int
	failures  int
	openedAt  *time.Time
}

// Controller implements crawler.Politeness. Safe for concurrent use across
// jobs; read-modify-write sequences run under the per-domain lock.
type Controller struct {
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	domains map[string]*domainState
}

var _ crawler.Politeness = (*Controller)(nil)

// New builds a Controller.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		logger:  logger,
		domains: make(map[string]*domainState),
	}
}

func (c *Controller) state(domain string) *domainState {
	c.mu.RLock()
	st, ok := c.domains[domain]
	c.mu.RUnlock()
	if ok {
		return st
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.domains[domain]; ok {
		return st
	}
	st = &domainState{
		limiter:       rate.NewLimiter(rate.Limit(c.cfg.RequestsPerSecond), 1),
		adaptiveDelay: c.cfg.MinDelay,
	}
	c.domains[domain] = st
	return st
}

// Acquire suspends the caller until a request to domain is allowed, then
// records the request timestamp. The wait is
// max(minDelay, windowBackpressureDelay, adaptiveDelay) relative to the last
// request, capped at maxDelay, followed by the per-second token wait.
func (c *Controller) Acquire(ctx context.Context, domain string) error {
	st := c.state(domain)

	st.mu.Lock()
	now := c.clock.Now()
	delay := c.cfg.MinDelay
	if st.adaptiveDelay > delay {
		delay = st.adaptiveDelay
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	wait := time.Duration(0)
	if !st.lastRequest.IsZero() {
		if owed := delay - now.Sub(st.lastRequest); owed > 0 {
			wait = owed
		}
	}
	if bp := c.windowBackpressure(st, now); bp > wait {
		wait = bp
	}
	if wait > c.cfg.MaxDelay {
		wait = c.cfg.MaxDelay
	}
	limiter := st.limiter
	st.mu.Unlock()

	if wait > 0 {
		metrics.ObservePolitenessDelay(domain, wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	st.mu.Lock()
	now = c.clock.Now()
	st.lastRequest = now
	st.window = pruneWindow(st.window, now)
	st.window = append(st.window, now)
	st.mu.Unlock()
	return nil
}

// windowBackpressure is non-zero only when the 60s request window is at the
// per-minute cap; it then waits until the oldest request in the window
// expires. Caller holds st.mu.
func (c *Controller) windowBackpressure(st *domainState, now time.Time) time.Duration {
	st.window = pruneWindow(st.window, now)
	if len(st.window) < c.cfg.RequestsPerMinute {
		return 0
	}
	oldest := st.window[0]
	return oldest.Add(time.Minute).Sub(now)
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	return window[idx:]
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("politeness wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RecordResponseTime appends to the capped latency history and recomputes the
// adaptive delay from the rolling average.
func (c *Controller) RecordResponseTime(domain string, elapsed time.Duration) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.latencies = append(st.latencies, elapsed)
	if len(st.latencies) > latencyHistorySize {
		st.latencies = st.latencies[len(st.latencies)-latencyHistorySize:]
	}
	var total time.Duration
	for _, l := range st.latencies {
		total += l
	}
	avg := total / time.Duration(len(st.latencies))

	switch {
	case avg > 2*time.Second:
		st.adaptiveDelay = c.cfg.MaxDelay
	case avg > time.Second:
		st.adaptiveDelay = 1500 * time.Millisecond
	case avg > 500*time.Millisecond:
		st.adaptiveDelay = time.Second
	default:
		st.adaptiveDelay = c.cfg.MinDelay
	}
}

// RecordSuccess counts a successful fetch. A success while the circuit is
// open zeroes the counters but does not close the circuit; only timeout
// expiry does that.
func (c *Controller) RecordSuccess(domain string) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.openedAt != nil {
		st.successes = 0
		st.failures = 0
		return
	}
	st.successes++
}

// RecordFailure counts a failed fetch and opens the circuit once the failure
// rate crosses the threshold with enough attempts observed.
func (c *Controller) RecordFailure(domain string) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failures++
	if st.openedAt != nil {
		return
	}
	attempts := st.successes + st.failures
	if attempts < c.cfg.BreakerMinAttempts {
		return
	}
	failureRate := float64(st.failures) / float64(attempts)
	if failureRate < c.cfg.BreakerFailureThreshold {
		return
	}
	now := c.clock.Now()
	st.openedAt = &now
	metrics.CircuitOpened(domain)
	c.logger.Warn("circuit breaker opened",
		zap.String("domain", domain),
		zap.Int("failures", st.failures),
		zap.Int("attempts", attempts),
	)
}

// IsOpen reports whether the domain's circuit is open. An open circuit closes
// implicitly once the timeout window elapses, resetting counters on the next
// query.
func (c *Controller) IsOpen(domain string) bool {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.openedAt == nil {
		return false
	}
	if c.clock.Now().Sub(*st.openedAt) > c.cfg.BreakerTimeout {
		st.openedAt = nil
		st.successes = 0
		st.failures = 0
		c.logger.Info("circuit breaker closed after timeout", zap.String("domain", domain))
		return false
	}
	return true
}

// CanHardScrape reports whether the hard re-crawl cooldown has elapsed.
func (c *Controller) CanHardScrape(domain string) bool {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastHardScrape.IsZero() {
		return true
	}
	return c.clock.Now().Sub(st.lastHardScrape) >= c.cfg.HardScrapeCooldown
}

// NextHardScrapeAvailable returns when the next hard scrape is allowed, or
// nil when one is allowed now.
func (c *Controller) NextHardScrapeAvailable(domain string) *time.Time {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastHardScrape.IsZero() {
		return nil
	}
	next := st.lastHardScrape.Add(c.cfg.HardScrapeCooldown)
	if !next.After(c.clock.Now()) {
		return nil
	}
	return &next
}

// RecordHardScrape stamps the domain's last hard scrape at now.
func (c *Controller) RecordHardScrape(domain string) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastHardScrape = c.clock.Now()
}
