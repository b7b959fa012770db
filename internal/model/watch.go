package model

import (
	"time"

	"github.com/google/uuid"
)

// WatchKind selects the trigger predicate of a watch.
type WatchKind string

const (
	// WatchAbsoluteDrop triggers once the current price is at or below
	// a fixed threshold.
	WatchAbsoluteDrop WatchKind = "absolute_drop"
	// WatchPercentDrop triggers once the price dropped by at least a
	// percentage of the baseline captured at creation.
	WatchPercentDrop WatchKind = "percent_drop"
	// WatchRestock triggers when availability transitions to in-stock.
	WatchRestock WatchKind = "restock"
)

// WatchState is the lifecycle state of a watch.
type WatchState string

const (
	WatchActive    WatchState = "active"
	WatchTriggered WatchState = "triggered"
	WatchPaused    WatchState = "paused"
)

// Channels are per-watch delivery preferences.
type Channels struct {
	Email    bool `json:"email"`
	Push     bool `json:"push"`
	InApp    bool `json:"in_app"`
	Telegram bool `json:"telegram"`
}

// Watch is a user's trigger condition on one product.
//
// A triggered watch never re-triggers until the owner reactivates it;
// a paused watch is excluded from evaluation entirely.
type Watch struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	ProductID string    `json:"product_id" db:"product_id"`
	Kind      WatchKind `json:"kind" db:"kind"`

	// Threshold is the absolute price target (WatchAbsoluteDrop).
	Threshold float64 `json:"threshold" db:"threshold"`
	// ThresholdPercent is the drop percentage target (WatchPercentDrop).
	ThresholdPercent float64 `json:"threshold_percent" db:"threshold_percent"`
	// BaselinePrice is captured at creation and anchors percent drops.
	BaselinePrice float64 `json:"baseline_price" db:"baseline_price"`

	State WatchState `json:"state" db:"state"`

	TriggeredPrice float64    `json:"triggered_price" db:"triggered_price"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty" db:"triggered_at"`
	TriggerCount   int        `json:"trigger_count" db:"trigger_count"`

	// LastSeenInStock remembers availability from the previous evaluation
	// so restock watches fire on the transition, not on steady state.
	LastSeenInStock bool `json:"last_seen_in_stock" db:"last_seen_in_stock"`

	Channels  Channels  `json:"channels"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewWatch builds an active watch with a fresh id.
func NewWatch(ownerID, productID string, kind WatchKind, baseline float64) Watch {
	now := time.Now().UTC()
	return Watch{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		ProductID:     productID,
		Kind:          kind,
		BaselinePrice: baseline,
		State:         WatchActive,
		Channels:      Channels{InApp: true},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NotificationEvent records a watch transitioning to triggered.
// Exactly one event is created per trigger transition; it is immutable
// and consumed asynchronously by the notification pipeline.
type NotificationEvent struct {
	ID        string    `json:"id" db:"id"`
	WatchID   string    `json:"watch_id" db:"watch_id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	ProductID string    `json:"product_id" db:"product_id"`
	Kind      WatchKind `json:"kind" db:"kind"`
	OldPrice  float64   `json:"old_price" db:"old_price"`
	NewPrice  float64   `json:"new_price" db:"new_price"`
	Savings   float64   `json:"savings" db:"savings"`
	// TriggerSeq is the watch's trigger count at emission time; together
	// with WatchID it identifies one drop event for deduplication.
	TriggerSeq int       `json:"trigger_seq" db:"trigger_seq"`
	Channels   Channels  `json:"channels"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NewNotificationEvent builds the event for a just-committed trigger.
func NewNotificationEvent(w Watch, oldPrice, newPrice float64, at time.Time) NotificationEvent {
	return NotificationEvent{
		ID:         uuid.NewString(),
		WatchID:    w.ID,
		OwnerID:    w.OwnerID,
		ProductID:  w.ProductID,
		Kind:       w.Kind,
		OldPrice:   oldPrice,
		NewPrice:   newPrice,
		Savings:    oldPrice - newPrice,
		TriggerSeq: w.TriggerCount,
		Channels:   w.Channels,
		CreatedAt:  at,
	}
}
