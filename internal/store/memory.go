package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"pricewatch/internal/model"
)

// Memory is the in-process store. One lock guards everything, which also
// gives Append/Latest their atomicity for free.
type Memory struct {
	mu sync.RWMutex

	historyLimit int
	historySeq   int64

	history   map[string][]model.HistoryEntry // productID -> ascending entries
	snapshots map[string]model.ComparisonResult

	products map[string]model.Product
	watches  map[string]model.Watch
	events   []model.NotificationEvent
}

func NewMemory(historyLimit int) *Memory {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Memory{
		historyLimit: historyLimit,
		history:      map[string][]model.HistoryEntry{},
		snapshots:    map[string]model.ComparisonResult{},
		products:     map[string]model.Product{},
		watches:      map[string]model.Watch{},
	}
}

func (m *Memory) Close() error { return nil }

// ---- History & snapshot ----

func (m *Memory) Append(_ context.Context, result model.ComparisonResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.historySeq++
	entry := model.HistoryEntry{
		ID:        m.historySeq,
		ProductID: result.ProductID,
		Result:    result,
		CheckedAt: result.CheckedAt,
	}
	entries := append(m.history[result.ProductID], entry)
	if len(entries) > m.historyLimit {
		entries = entries[len(entries)-m.historyLimit:]
	}
	m.history[result.ProductID] = entries
	m.snapshots[result.ProductID] = result
	return nil
}

func (m *Memory) Latest(_ context.Context, productID string) (*model.ComparisonResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[productID]
	if !ok {
		return nil, false, nil
	}
	cp := snap
	return &cp, true, nil
}

func (m *Memory) History(_ context.Context, productID string, sinceDays int) ([]model.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cutoff time.Time
	if sinceDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -sinceDays)
	}

	var out []model.HistoryEntry
	for _, e := range m.history[productID] {
		if !cutoff.IsZero() && e.CheckedAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ---- Catalog ----

func (m *Memory) UpsertProduct(_ context.Context, p model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.products[p.ID] = p
	return nil
}

func (m *Memory) GetProduct(_ context.Context, id string) (*model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListPriorityProducts(ctx context.Context) ([]model.Product, error) {
	all, err := m.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, p := range all {
		if p.Priority {
			out = append(out, p)
		}
	}
	return out, nil
}

// ---- Watches ----

func (m *Memory) UpsertWatch(_ context.Context, w model.Watch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now().UTC()
	}
	m.watches[w.ID] = w
	return nil
}

func (m *Memory) GetWatch(_ context.Context, id string) (*model.Watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := w
	return &cp, nil
}

func (m *Memory) ListWatches(_ context.Context) ([]model.Watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchesLocked(func(model.Watch) bool { return true }), nil
}

func (m *Memory) ListActiveWatches(_ context.Context) ([]model.Watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watchesLocked(func(w model.Watch) bool { return w.State == model.WatchActive }), nil
}

func (m *Memory) watchesLocked(keep func(model.Watch) bool) []model.Watch {
	out := make([]model.Watch, 0, len(m.watches))
	for _, w := range m.watches {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SetWatchState(_ context.Context, id string, state model.WatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return ErrNotFound
	}
	w.State = state
	w.UpdatedAt = time.Now().UTC()
	m.watches[id] = w
	return nil
}

func (m *Memory) MarkTriggered(_ context.Context, id string, price float64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return false, ErrNotFound
	}
	if w.State != model.WatchActive {
		return false, nil
	}
	w.State = model.WatchTriggered
	w.TriggeredPrice = price
	t := at
	w.TriggeredAt = &t
	w.TriggerCount++
	w.UpdatedAt = at
	m.watches[id] = w
	return true, nil
}

func (m *Memory) SetWatchStockSeen(_ context.Context, id string, inStock bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[id]
	if !ok {
		return ErrNotFound
	}
	w.LastSeenInStock = inStock
	m.watches[id] = w
	return nil
}

func (m *Memory) DeleteWatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[id]; !ok {
		return ErrNotFound
	}
	delete(m.watches, id)
	return nil
}

// ---- Notification events ----

func (m *Memory) AppendEvent(_ context.Context, e model.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, ownerID string, limit int) ([]model.NotificationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.NotificationEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if ownerID != "" && e.OwnerID != ownerID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
