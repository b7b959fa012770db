package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricewatch/internal/fetch"
	"pricewatch/internal/model"
	"pricewatch/pkg/logx"
)

// Config controls fetch pacing and failure handling.
//
// Defaults (applied when fields are zero):
//   - Concurrency: 3
//   - RateInterval: 2s (one request per source per interval)
//   - RetryMax: 2 (retries after the first attempt)
//   - RetryDelay: 1s
//   - Timeout: 10s per fetch attempt
type Config struct {
	Concurrency  int
	RateInterval time.Duration
	RetryMax     int
	RetryDelay   time.Duration
	Timeout      time.Duration

	// SourceRateIntervals overrides RateInterval per source id.
	SourceRateIntervals map[string]time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.RateInterval <= 0 {
		c.RateInterval = 2 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Coordinator fans one product refresh out to all configured sources under
// a per-source rate budget and a global concurrency ceiling.
//
// It persists nothing; callers own the write-through to the store.
// It is safe for concurrent use.
type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	reg *fetch.Registry
	log logx.Logger

	// sem bounds in-flight fetches across all sources and products.
	sem chan struct{}

	// limiters are created lazily per source and kept across refreshes so
	// the budget applies engine-wide, not per call.
	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg Config, reg *fetch.Registry, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:      cfg,
		reg:      reg,
		log:      log,
		sem:      makeSem(cfg.Concurrency),
		limiters: map[string]*rate.Limiter{},
	}
}

func makeSem(n int) chan struct{} {
	sem := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
	}
	return sem
}

// Apply updates pacing settings at runtime. Existing per-source limiters are
// rebuilt so new intervals take effect on the next acquisition.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	c.mu.Lock()
	resize := cfg.Concurrency != c.cfg.Concurrency
	c.cfg = cfg
	if resize {
		c.sem = makeSem(cfg.Concurrency)
	}
	c.mu.Unlock()

	c.lmu.Lock()
	c.limiters = map[string]*rate.Limiter{}
	c.lmu.Unlock()
}

func (c *Coordinator) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Coordinator) semaphore() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sem
}

// limiter returns the rate limiter for a source, creating it on first use.
// One token per configured interval, burst 1: at most one request per source
// per interval, independent across sources.
func (c *Coordinator) limiter(source string) *rate.Limiter {
	cfg := c.config()
	interval := cfg.RateInterval
	if d, ok := cfg.SourceRateIntervals[source]; ok && d > 0 {
		interval = d
	}

	c.lmu.Lock()
	defer c.lmu.Unlock()
	lim := c.limiters[source]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(interval), 1)
		c.limiters[source] = lim
	}
	return lim
}

// RefreshProduct collects quotes for one product from every source that has
// a configured URL. Per-source failures are absorbed: the result contains
// whatever succeeded, and an empty quote list means "checked, nothing found",
// not an error. The error return is reserved for ctx cancellation.
func (c *Coordinator) RefreshProduct(ctx context.Context, productID string, sourceURLs map[string]string) (model.ComparisonResult, error) {
	started := time.Now().UTC()

	type outcome struct {
		quote model.Quote
		ok    bool
	}

	var (
		wg       sync.WaitGroup
		outMu    sync.Mutex
		outcomes []outcome
	)

	for source, url := range sourceURLs {
		if url == "" {
			continue
		}
		adapter, err := c.reg.Lookup(source)
		if err != nil {
			c.log.Warn("no adapter for source, skipping",
				logx.String("source", source), logx.String("product", productID))
			continue
		}

		wg.Add(1)
		go func(source, url string, adapter fetch.Adapter) {
			defer wg.Done()
			q, ok := c.fetchOne(ctx, productID, source, url, adapter)
			outMu.Lock()
			outcomes = append(outcomes, outcome{quote: q, ok: ok})
			outMu.Unlock()
		}(source, url, adapter)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return model.ComparisonResult{}, err
	}

	quotes := make([]model.Quote, 0, len(outcomes))
	for _, o := range outcomes {
		if o.ok {
			quotes = append(quotes, o.quote)
		}
	}
	// Stable order for history entries regardless of goroutine completion order.
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].Source < quotes[j].Source })

	return model.NewComparisonResult(productID, quotes, started), nil
}

// fetchOne runs the full per-source protocol: rate token, concurrency slot,
// bounded retries with a fixed inter-attempt delay, per-attempt timeout.
func (c *Coordinator) fetchOne(ctx context.Context, productID, source, url string, adapter fetch.Adapter) (model.Quote, bool) {
	cfg := c.config()

	// Blocking wait for the per-source rate token. Backpressure here is a
	// suspension, not a failure.
	if err := c.limiter(source).Wait(ctx); err != nil {
		return model.Quote{}, false
	}

	sem := c.semaphore()
	select {
	case <-ctx.Done():
		return model.Quote{}, false
	case <-sem:
	}
	defer func() {
		select {
		case sem <- struct{}{}:
		default:
		}
	}()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		q, err := adapter.FetchQuote(fctx, url)
		cancel()
		if err == nil {
			q.Source = source
			q.ProductID = productID
			if q.ObservedAt.IsZero() {
				q.ObservedAt = time.Now().UTC()
			}
			return q, true
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			c.log.Debug("source fetch retry",
				logx.String("source", source),
				logx.String("product", productID),
				logx.Int("attempt", attempt+1),
				logx.Err(err))
			tmr := time.NewTimer(cfg.RetryDelay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return model.Quote{}, false
			case <-tmr.C:
			}
		}
	}

	c.log.Warn("source fetch failed",
		logx.String("source", source),
		logx.String("product", productID),
		logx.Int("attempts", attempts),
		logx.Err(lastErr))
	return model.Quote{}, false
}
