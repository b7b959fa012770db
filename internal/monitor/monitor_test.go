package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/store"
	"pricewatch/pkg/logx"
)

type captureSink struct {
	mu     sync.Mutex
	events []model.NotificationEvent
	err    error
}

func (c *captureSink) Enqueue(e model.NotificationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) all() []model.NotificationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.NotificationEvent(nil), c.events...)
}

func newService(st store.Store, sink Sink) *Service {
	return New(Config{Enabled: true, Interval: time.Minute}, st, sink, nil, logx.Nop())
}

func seedSnapshot(t *testing.T, st store.Store, productID string, price float64, avail model.Availability) {
	t.Helper()
	now := time.Now().UTC()
	result := model.NewComparisonResult(productID, []model.Quote{
		{Source: "alpha", ProductID: productID, Price: price, Currency: "USD", Availability: avail, ObservedAt: now},
	}, now)
	if err := st.Append(context.Background(), result); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func seedWatch(t *testing.T, st store.Store, w model.Watch) model.Watch {
	t.Helper()
	if err := st.UpsertWatch(context.Background(), w); err != nil {
		t.Fatalf("UpsertWatch: %v", err)
	}
	return w
}

func TestAbsoluteDropBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		price float64
		fires bool
	}{
		{name: "exactly at threshold", price: 50.00, fires: true},
		{name: "below threshold", price: 49.99, fires: true},
		{name: "just above threshold", price: 50.01, fires: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := store.NewMemory(10)
			sink := &captureSink{}
			svc := newService(st, sink)

			seedSnapshot(t, st, "p1", tt.price, model.AvailabilityInStock)
			w := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 60)
			w.Threshold = 50
			w = seedWatch(t, st, w)

			ev, err := svc.EvaluateOne(context.Background(), w)
			if err != nil {
				t.Fatalf("EvaluateOne: %v", err)
			}
			if (ev != nil) != tt.fires {
				t.Fatalf("fired = %v, want %v (price %v)", ev != nil, tt.fires, tt.price)
			}
			if tt.fires && ev.NewPrice != tt.price {
				t.Fatalf("NewPrice = %v, want %v", ev.NewPrice, tt.price)
			}
		})
	}
}

func TestPercentDropBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		price float64
		fires bool
	}{
		{name: "exactly 10 percent", price: 90.00, fires: true},
		{name: "just under 10 percent", price: 90.01, fires: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := store.NewMemory(10)
			svc := newService(st, &captureSink{})

			seedSnapshot(t, st, "p1", tt.price, model.AvailabilityInStock)
			w := model.NewWatch("owner-1", "p1", model.WatchPercentDrop, 100)
			w.ThresholdPercent = 10
			w = seedWatch(t, st, w)

			ev, err := svc.EvaluateOne(context.Background(), w)
			if err != nil {
				t.Fatalf("EvaluateOne: %v", err)
			}
			if (ev != nil) != tt.fires {
				t.Fatalf("fired = %v, want %v (price %v)", ev != nil, tt.fires, tt.price)
			}
		})
	}
}

func TestRestockFiresOnTransitionOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	svc := newService(st, &captureSink{})

	w := seedWatch(t, st, model.NewWatch("owner-1", "p1", model.WatchRestock, 0))

	// Out of stock: records the state, nothing fires.
	seedSnapshot(t, st, "p1", 30, model.AvailabilityOutOfStock)
	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil || ev != nil {
		t.Fatalf("out-of-stock pass: ev=%v err=%v, want no event", ev, err)
	}

	// Transition to in stock fires.
	seedSnapshot(t, st, "p1", 30, model.AvailabilityInStock)
	got, err := st.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	ev, err = svc.EvaluateOne(ctx, *got)
	if err != nil {
		t.Fatalf("EvaluateOne: %v", err)
	}
	if ev == nil {
		t.Fatal("restock transition did not fire")
	}
	if ev.Kind != model.WatchRestock {
		t.Fatalf("event kind = %s, want restock", ev.Kind)
	}
}

func TestRestockSteadyStateDoesNotFire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	svc := newService(st, &captureSink{})

	seedSnapshot(t, st, "p1", 30, model.AvailabilityInStock)
	w := model.NewWatch("owner-1", "p1", model.WatchRestock, 0)
	w.LastSeenInStock = true
	w = seedWatch(t, st, w)

	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil || ev != nil {
		t.Fatalf("steady in-stock fired: ev=%v err=%v", ev, err)
	}
}

func TestTriggeredWatchDoesNotRefire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	sink := &captureSink{}
	svc := newService(st, sink)

	seedSnapshot(t, st, "p1", 45, model.AvailabilityInStock)
	w := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 60)
	w.Threshold = 50
	w = seedWatch(t, st, w)

	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil || ev == nil {
		t.Fatalf("first evaluation: ev=%v err=%v, want event", ev, err)
	}

	// Re-read and evaluate again: the committed triggered state blocks it.
	got, err := st.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	ev, err = svc.EvaluateOne(ctx, *got)
	if err != nil || ev != nil {
		t.Fatalf("second evaluation: ev=%v err=%v, want nothing", ev, err)
	}

	// Even a stale copy that still says active cannot double-commit.
	ev, err = svc.EvaluateOne(ctx, w)
	if err != nil || ev != nil {
		t.Fatalf("stale-copy evaluation: ev=%v err=%v, want nothing", ev, err)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("sink events = %d, want exactly 1", len(sink.all()))
	}
}

func TestBaselineFallbackWhenNoSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	svc := newService(st, &captureSink{})

	if err := st.UpsertProduct(ctx, model.Product{ID: "p1", Name: "Widget", BaselinePrice: 40}); err != nil {
		t.Fatalf("UpsertProduct: %v", err)
	}
	w := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 0)
	w.Threshold = 50
	w = seedWatch(t, st, w)

	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil {
		t.Fatalf("EvaluateOne: %v", err)
	}
	if ev == nil {
		t.Fatal("baseline fallback did not fire")
	}
	if ev.NewPrice != 40 {
		t.Fatalf("NewPrice = %v, want baseline 40", ev.NewPrice)
	}
}

func TestSkippedWithoutAnyPrice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	svc := newService(st, &captureSink{})

	w := model.NewWatch("owner-1", "ghost", model.WatchAbsoluteDrop, 0)
	w.Threshold = 50
	w = seedWatch(t, st, w)

	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil || ev != nil {
		t.Fatalf("no-data watch: ev=%v err=%v, want silent skip", ev, err)
	}
}

func TestTriggerEventContents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	sink := &captureSink{}
	svc := newService(st, sink)

	seedSnapshot(t, st, "p1", 99, model.AvailabilityInStock)
	w := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 120)
	w.Threshold = 100
	w.Channels = model.Channels{InApp: true, Email: true}
	w = seedWatch(t, st, w)

	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil || ev == nil {
		t.Fatalf("EvaluateOne: ev=%v err=%v", ev, err)
	}
	if ev.OldPrice != 120 || ev.NewPrice != 99 || ev.Savings != 21 {
		t.Fatalf("event prices = old %v new %v savings %v, want 120/99/21", ev.OldPrice, ev.NewPrice, ev.Savings)
	}
	if ev.TriggerSeq != 1 {
		t.Fatalf("TriggerSeq = %d, want 1", ev.TriggerSeq)
	}

	// The event is persisted as the in-app feed regardless of delivery.
	events, err := st.ListEvents(ctx, "owner-1", 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("persisted events = %d err=%v, want 1", len(events), err)
	}
	// And handed to the async pipeline.
	if got := sink.all(); len(got) != 1 || got[0].ID != ev.ID {
		t.Fatalf("sink received %+v, want the emitted event", got)
	}
}

func TestEnqueueFailureDoesNotUndoTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	sink := &captureSink{err: errors.New("queue full")}
	svc := newService(st, sink)

	seedSnapshot(t, st, "p1", 45, model.AvailabilityInStock)
	w := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 60)
	w.Threshold = 50
	w = seedWatch(t, st, w)

	ev, err := svc.EvaluateOne(ctx, w)
	if err != nil || ev == nil {
		t.Fatalf("EvaluateOne: ev=%v err=%v, want event despite sink failure", ev, err)
	}
	got, err := st.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	if got.State != model.WatchTriggered {
		t.Fatalf("state = %s, want triggered", got.State)
	}
}

func TestEvaluateAllStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory(10)
	svc := newService(st, &captureSink{})

	seedSnapshot(t, st, "p1", 45, model.AvailabilityInStock)
	seedSnapshot(t, st, "p2", 200, model.AvailabilityInStock)

	firing := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 60)
	firing.Threshold = 50
	seedWatch(t, st, firing)

	quiet := model.NewWatch("owner-1", "p2", model.WatchAbsoluteDrop, 250)
	quiet.Threshold = 100
	seedWatch(t, st, quiet)

	paused := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 60)
	paused.Threshold = 50
	paused.State = model.WatchPaused
	seedWatch(t, st, paused)

	stats, err := svc.EvaluateAll(ctx)
	if err != nil {
		t.Fatalf("EvaluateAll: %v", err)
	}
	if stats.Checked != 2 {
		t.Fatalf("Checked = %d, want 2 (paused excluded)", stats.Checked)
	}
	if stats.Triggered != 1 {
		t.Fatalf("Triggered = %d, want 1", stats.Triggered)
	}
	if stats.Skipped != 0 {
		t.Fatalf("Skipped = %d, want 0", stats.Skipped)
	}
}
