package model

import (
	"testing"
	"time"
)

func TestNewComparisonResultSummary(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	quotes := []Quote{
		{Source: "a", Price: 30},
		{Source: "b", Price: 10},
		{Source: "c", Price: 20},
	}
	r := NewComparisonResult("p1", quotes, now)

	if r.Summary.MinPrice != 10 || r.Summary.MaxPrice != 30 || r.Summary.AvgPrice != 20 {
		t.Fatalf("summary = %+v, want min=10 avg=20 max=30", r.Summary)
	}
	if r.Summary.Sources != 3 {
		t.Fatalf("Sources = %d, want 3", r.Summary.Sources)
	}
	if r.CheckedAt != now {
		t.Fatalf("CheckedAt = %v, want %v", r.CheckedAt, now)
	}
}

func TestEmptyResult(t *testing.T) {
	t.Parallel()
	r := NewComparisonResult("p1", nil, time.Now().UTC())
	if !r.Empty() {
		t.Fatal("result with no quotes must be Empty")
	}
	if r.Summary != (Summary{}) {
		t.Fatalf("empty result has summary %+v", r.Summary)
	}
	if _, ok := r.MinQuote(); ok {
		t.Fatal("MinQuote on empty result reported ok")
	}
	if r.InStock() {
		t.Fatal("empty result reported in stock")
	}
}

func TestMinQuote(t *testing.T) {
	t.Parallel()
	r := NewComparisonResult("p1", []Quote{
		{Source: "a", Price: 15, Availability: AvailabilityOutOfStock},
		{Source: "b", Price: 12, Availability: AvailabilityInStock},
	}, time.Now().UTC())

	q, ok := r.MinQuote()
	if !ok || q.Source != "b" || q.Price != 12 {
		t.Fatalf("MinQuote = %+v ok=%v, want source b at 12", q, ok)
	}
	if !r.InStock() {
		t.Fatal("InStock = false with one in-stock quote")
	}
}

func TestNewWatchDefaults(t *testing.T) {
	t.Parallel()
	w := NewWatch("owner-1", "p1", WatchPercentDrop, 100)
	if w.ID == "" {
		t.Fatal("watch id not assigned")
	}
	if w.State != WatchActive {
		t.Fatalf("state = %s, want active", w.State)
	}
	if w.BaselinePrice != 100 {
		t.Fatalf("BaselinePrice = %v, want 100", w.BaselinePrice)
	}
	if !w.Channels.InApp {
		t.Fatal("in-app channel not enabled by default")
	}
	if w.CreatedAt.IsZero() || w.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestNewNotificationEvent(t *testing.T) {
	t.Parallel()
	w := NewWatch("owner-1", "p1", WatchAbsoluteDrop, 120)
	w.TriggerCount = 1
	now := time.Now().UTC()

	e := NewNotificationEvent(w, 120, 99, now)
	if e.ID == "" || e.ID == w.ID {
		t.Fatalf("event id = %q, want a fresh id", e.ID)
	}
	if e.Savings != 21 {
		t.Fatalf("Savings = %v, want 21", e.Savings)
	}
	if e.TriggerSeq != 1 {
		t.Fatalf("TriggerSeq = %d, want 1", e.TriggerSeq)
	}
	if e.WatchID != w.ID || e.OwnerID != "owner-1" || e.ProductID != "p1" {
		t.Fatalf("event identity = %+v", e)
	}
}
