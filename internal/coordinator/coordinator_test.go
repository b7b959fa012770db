package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pricewatch/internal/fetch"
	"pricewatch/internal/model"
	"pricewatch/pkg/logx"
)

// gauge tracks the highest number of concurrent entrants.
type gauge struct {
	cur atomic.Int64
	max atomic.Int64
}

func (g *gauge) enter() {
	cur := g.cur.Add(1)
	for {
		max := g.max.Load()
		if cur <= max || g.max.CompareAndSwap(max, cur) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

// fakeAdapter scripts per-call outcomes for one source.
type fakeAdapter struct {
	source string
	price  float64
	err    error
	delay  time.Duration
	g      *gauge // shared across adapters when overlap matters

	calls atomic.Int64
}

func (f *fakeAdapter) Source() string { return f.source }

func (f *fakeAdapter) FetchQuote(ctx context.Context, _ string) (model.Quote, error) {
	f.calls.Add(1)
	if f.g != nil {
		f.g.enter()
		defer f.g.exit()
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return model.Quote{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return model.Quote{}, f.err
	}
	return model.Quote{Price: f.price, Currency: "USD", Availability: model.AvailabilityInStock}, nil
}

func fastConfig() Config {
	return Config{
		Concurrency:  3,
		RateInterval: time.Millisecond,
		RetryMax:     2,
		RetryDelay:   time.Millisecond,
		Timeout:      time.Second,
	}
}

func TestRefreshProductNoSources(t *testing.T) {
	t.Parallel()
	c := New(fastConfig(), fetch.NewRegistry(), logx.Nop())

	result, err := c.RefreshProduct(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if !result.Empty() {
		t.Fatalf("expected empty result, got %d quotes", len(result.Quotes))
	}
	if result.ProductID != "p1" {
		t.Fatalf("ProductID = %q, want p1", result.ProductID)
	}
	if result.CheckedAt.IsZero() {
		t.Fatal("CheckedAt not set")
	}
}

func TestRefreshProductFailureIsolation(t *testing.T) {
	t.Parallel()
	reg := fetch.NewRegistry()
	good := &fakeAdapter{source: "alpha", price: 42}
	bad := &fakeAdapter{source: "beta", err: errors.New("boom")}
	reg.Register(good, bad)

	c := New(fastConfig(), reg, logx.Nop())
	result, err := c.RefreshProduct(context.Background(), "p1", map[string]string{
		"alpha": "http://a.example/p1",
		"beta":  "http://b.example/p1",
	})
	if err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if len(result.Quotes) != 1 {
		t.Fatalf("quotes = %d, want 1 (failed source absorbed)", len(result.Quotes))
	}
	q := result.Quotes[0]
	if q.Source != "alpha" || q.ProductID != "p1" || q.Price != 42 {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.ObservedAt.IsZero() {
		t.Fatal("ObservedAt not stamped")
	}
	// Failed source exhausted its retry budget: 1 attempt + 2 retries.
	if got := bad.calls.Load(); got != 3 {
		t.Fatalf("failed source attempts = %d, want 3", got)
	}
}

func TestRefreshProductStableQuoteOrder(t *testing.T) {
	t.Parallel()
	reg := fetch.NewRegistry()
	reg.Register(
		&fakeAdapter{source: "zeta", price: 10, delay: time.Millisecond},
		&fakeAdapter{source: "alpha", price: 30, delay: 5 * time.Millisecond},
		&fakeAdapter{source: "mid", price: 20},
	)

	c := New(fastConfig(), reg, logx.Nop())
	result, err := c.RefreshProduct(context.Background(), "p1", map[string]string{
		"zeta":  "http://z.example",
		"alpha": "http://a.example",
		"mid":   "http://m.example",
	})
	if err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if len(result.Quotes) != 3 {
		t.Fatalf("quotes = %d, want 3", len(result.Quotes))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if result.Quotes[i].Source != want {
			t.Fatalf("quote[%d].Source = %q, want %q", i, result.Quotes[i].Source, want)
		}
	}
	if result.Summary.MinPrice != 10 || result.Summary.MaxPrice != 30 || result.Summary.AvgPrice != 20 {
		t.Fatalf("summary = %+v, want min=10 avg=20 max=30", result.Summary)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	reg := fetch.NewRegistry()
	g := &gauge{}
	adapters := []*fakeAdapter{
		{source: "a", price: 1, delay: 20 * time.Millisecond, g: g},
		{source: "b", price: 2, delay: 20 * time.Millisecond, g: g},
		{source: "c", price: 3, delay: 20 * time.Millisecond, g: g},
	}
	urls := map[string]string{}
	for _, a := range adapters {
		reg.Register(a)
		urls[a.source] = "http://" + a.source + ".example"
	}

	cfg := fastConfig()
	cfg.Concurrency = 1
	c := New(cfg, reg, logx.Nop())

	if _, err := c.RefreshProduct(context.Background(), "p1", urls); err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if got := g.max.Load(); got > 1 {
		t.Fatalf("observed %d concurrent fetches, want <= 1", got)
	}
}

func TestRefreshProductCancellation(t *testing.T) {
	t.Parallel()
	reg := fetch.NewRegistry()
	reg.Register(&fakeAdapter{source: "slow", price: 1, delay: time.Second})

	c := New(fastConfig(), reg, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.RefreshProduct(ctx, "p1", map[string]string{"slow": "http://s.example"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUnknownSourceSkipped(t *testing.T) {
	t.Parallel()
	reg := fetch.NewRegistry()
	reg.Register(&fakeAdapter{source: "known", price: 5})

	c := New(fastConfig(), reg, logx.Nop())
	result, err := c.RefreshProduct(context.Background(), "p1", map[string]string{
		"known":   "http://k.example",
		"unknown": "http://u.example",
	})
	if err != nil {
		t.Fatalf("RefreshProduct: %v", err)
	}
	if len(result.Quotes) != 1 || result.Quotes[0].Source != "known" {
		t.Fatalf("quotes = %+v, want single quote from known source", result.Quotes)
	}
}
