package store

import (
	"context"
	"testing"
	"time"

	"pricewatch/internal/model"
)

func result(productID string, price float64, at time.Time) model.ComparisonResult {
	return model.NewComparisonResult(productID, []model.Quote{
		{Source: "alpha", ProductID: productID, Price: price, Currency: "USD", Availability: model.AvailabilityInStock, ObservedAt: at},
	}, at)
}

func TestMemoryAppendAndLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(10)

	if _, ok, err := m.Latest(ctx, "p1"); err != nil || ok {
		t.Fatalf("Latest on empty store: ok=%v err=%v", ok, err)
	}

	now := time.Now().UTC()
	if err := m.Append(ctx, result("p1", 100, now.Add(-time.Hour))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Append(ctx, result("p1", 90, now)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, ok, err := m.Latest(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if snap.Summary.MinPrice != 90 {
		t.Fatalf("Latest MinPrice = %v, want 90", snap.Summary.MinPrice)
	}

	hist, err := m.History(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if !hist[0].CheckedAt.Before(hist[1].CheckedAt) {
		t.Fatal("history not in ascending CheckedAt order")
	}
}

func TestMemoryHistoryRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(3)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i) * time.Minute)
		if err := m.Append(ctx, result("p1", float64(100+i), at)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	hist, err := m.History(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3 (oldest evicted first)", len(hist))
	}
	// The two oldest entries (prices 100, 101) must be gone.
	if got := hist[0].Result.Summary.MinPrice; got != 102 {
		t.Fatalf("oldest surviving price = %v, want 102", got)
	}
	if got := hist[2].Result.Summary.MinPrice; got != 104 {
		t.Fatalf("newest price = %v, want 104", got)
	}
}

func TestMemoryHistoryWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(50)

	now := time.Now().UTC()
	old := now.AddDate(0, 0, -10)
	if err := m.Append(ctx, result("p1", 100, old)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := m.Append(ctx, result("p1", 95, now)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hist, err := m.History(ctx, "p1", 7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("windowed history length = %d, want 1", len(hist))
	}
	if hist[0].Result.Summary.MinPrice != 95 {
		t.Fatalf("windowed entry price = %v, want 95", hist[0].Result.Summary.MinPrice)
	}
}

func TestMemoryProducts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(10)

	if _, err := m.GetProduct(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetProduct(missing) err = %v, want ErrNotFound", err)
	}

	products := []model.Product{
		{ID: "b", Name: "Widget B", BaselinePrice: 50},
		{ID: "a", Name: "Widget A", BaselinePrice: 30, Priority: true},
		{ID: "c", Name: "Widget C", BaselinePrice: 70, Priority: true},
	}
	for _, p := range products {
		if err := m.UpsertProduct(ctx, p); err != nil {
			t.Fatalf("UpsertProduct: %v", err)
		}
	}

	all, err := m.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Fatalf("ListProducts = %+v, want 3 products sorted by id", all)
	}

	prio, err := m.ListPriorityProducts(ctx)
	if err != nil {
		t.Fatalf("ListPriorityProducts: %v", err)
	}
	if len(prio) != 2 || prio[0].ID != "a" || prio[1].ID != "c" {
		t.Fatalf("ListPriorityProducts = %+v, want [a c]", prio)
	}
}

func TestMemoryMarkTriggeredOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(10)

	w := model.NewWatch("owner-1", "p1", model.WatchAbsoluteDrop, 120)
	w.Threshold = 100
	if err := m.UpsertWatch(ctx, w); err != nil {
		t.Fatalf("UpsertWatch: %v", err)
	}

	now := time.Now().UTC()
	committed, err := m.MarkTriggered(ctx, w.ID, 99, now)
	if err != nil || !committed {
		t.Fatalf("first MarkTriggered: committed=%v err=%v", committed, err)
	}

	committed, err = m.MarkTriggered(ctx, w.ID, 98, now)
	if err != nil {
		t.Fatalf("second MarkTriggered: %v", err)
	}
	if committed {
		t.Fatal("second MarkTriggered committed; want exactly-once")
	}

	got, err := m.GetWatch(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWatch: %v", err)
	}
	if got.State != model.WatchTriggered {
		t.Fatalf("state = %s, want triggered", got.State)
	}
	if got.TriggeredPrice != 99 {
		t.Fatalf("TriggeredPrice = %v, want 99 (second attempt must not overwrite)", got.TriggeredPrice)
	}
	if got.TriggerCount != 1 {
		t.Fatalf("TriggerCount = %d, want 1", got.TriggerCount)
	}
	if got.TriggeredAt == nil {
		t.Fatal("TriggeredAt not recorded")
	}
}

func TestMemoryWatchLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(10)

	w := model.NewWatch("owner-1", "p1", model.WatchRestock, 0)
	if err := m.UpsertWatch(ctx, w); err != nil {
		t.Fatalf("UpsertWatch: %v", err)
	}

	active, err := m.ListActiveWatches(ctx)
	if err != nil || len(active) != 1 {
		t.Fatalf("ListActiveWatches = %d watches, err=%v, want 1", len(active), err)
	}

	if err := m.SetWatchState(ctx, w.ID, model.WatchPaused); err != nil {
		t.Fatalf("SetWatchState: %v", err)
	}
	active, err = m.ListActiveWatches(ctx)
	if err != nil || len(active) != 0 {
		t.Fatalf("paused watch still listed active: %d, err=%v", len(active), err)
	}

	if err := m.SetWatchStockSeen(ctx, w.ID, true); err != nil {
		t.Fatalf("SetWatchStockSeen: %v", err)
	}
	got, err := m.GetWatch(ctx, w.ID)
	if err != nil || !got.LastSeenInStock {
		t.Fatalf("LastSeenInStock not persisted: %+v err=%v", got, err)
	}

	if err := m.DeleteWatch(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWatch: %v", err)
	}
	if err := m.DeleteWatch(ctx, w.ID); err != ErrNotFound {
		t.Fatalf("second DeleteWatch err = %v, want ErrNotFound", err)
	}
}

func TestMemoryEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(10)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		w := model.Watch{ID: "w1", OwnerID: "owner-1", ProductID: "p1", Kind: model.WatchAbsoluteDrop, TriggerCount: i + 1}
		if err := m.AppendEvent(ctx, model.NewNotificationEvent(w, 120, 100-float64(i), now)); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	other := model.Watch{ID: "w2", OwnerID: "owner-2", ProductID: "p2", Kind: model.WatchAbsoluteDrop, TriggerCount: 1}
	if err := m.AppendEvent(ctx, model.NewNotificationEvent(other, 80, 70, now)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := m.ListEvents(ctx, "owner-1", 2)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (limit)", len(events))
	}
	// Newest first.
	if events[0].NewPrice != 98 {
		t.Fatalf("newest event NewPrice = %v, want 98", events[0].NewPrice)
	}
	for _, e := range events {
		if e.OwnerID != "owner-1" {
			t.Fatalf("event for wrong owner: %+v", e)
		}
	}
}
