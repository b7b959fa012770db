package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"pricewatch/internal/model"
	"pricewatch/pkg/logx"
)

var (
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process store (tests, dev, default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// HistoryLimit caps the per-product history log; oldest entries are
	// evicted first once the cap is exceeded. 0 applies the default (100).
	HistoryLimit int
}

// Store is the persistence contract shared by the sweep scheduler, the
// watch monitor, and the notification pipeline.
//
// Append is the only history mutator and is atomic with respect to Latest:
// a reader never observes a history entry without its snapshot or vice versa.
type Store interface {
	// History & snapshot.
	Append(ctx context.Context, result model.ComparisonResult) error
	Latest(ctx context.Context, productID string) (*model.ComparisonResult, bool, error)
	History(ctx context.Context, productID string, sinceDays int) ([]model.HistoryEntry, error)

	// Catalog.
	UpsertProduct(ctx context.Context, p model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	ListPriorityProducts(ctx context.Context) ([]model.Product, error)

	// Watches.
	UpsertWatch(ctx context.Context, w model.Watch) error
	GetWatch(ctx context.Context, id string) (*model.Watch, error)
	ListWatches(ctx context.Context) ([]model.Watch, error)
	ListActiveWatches(ctx context.Context) ([]model.Watch, error)
	SetWatchState(ctx context.Context, id string, state model.WatchState) error
	// MarkTriggered commits the active->triggered transition, recording the
	// trigger price/time and bumping the trigger count. It returns false
	// without error when the watch was not active, which makes the commit
	// exactly-once under concurrent evaluators.
	MarkTriggered(ctx context.Context, id string, price float64, at time.Time) (bool, error)
	// SetWatchStockSeen records the availability observed during evaluation
	// so restock watches fire on transitions only.
	SetWatchStockSeen(ctx context.Context, id string, inStock bool) error
	DeleteWatch(ctx context.Context, id string) error

	// Notification events (in-app feed + audit of triggers).
	AppendEvent(ctx context.Context, e model.NotificationEvent) error
	ListEvents(ctx context.Context, ownerID string, limit int) ([]model.NotificationEvent, error)

	Close() error
}

const defaultHistoryLimit = 100

// Open initializes the configured store. An empty driver defaults to memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(cfg.HistoryLimit), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
