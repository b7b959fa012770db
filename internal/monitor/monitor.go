package monitor

import (
	"context"
	"sync"
	"time"

	"pricewatch/internal/eventbus"
	"pricewatch/internal/model"
	"pricewatch/internal/store"
	"pricewatch/pkg/logx"
)

// Config controls the watch evaluation loop.
type Config struct {
	Enabled  bool
	Interval time.Duration // default 1m
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// Stats summarizes one evaluation cycle.
type Stats struct {
	Checked   int `json:"checked"`
	Triggered int `json:"triggered"`
	Skipped   int `json:"skipped"`
}

// Sink receives notification events for asynchronous delivery.
// Enqueue must not block; delivery failures never reach the evaluator.
type Sink interface {
	Enqueue(e model.NotificationEvent) error
}

// Service evaluates all active watches on its own timer, strictly consuming
// whatever the sweep scheduler has most recently persisted. It never invokes
// the fetch coordinator, which decouples refresh cadence from evaluation
// cadence.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log  logx.Logger
	st   store.Store
	bus  eventbus.Bus
	sink Sink

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, st store.Store, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), log: log, st: st, bus: bus, sink: sink}
}

// Apply updates the cycle interval; a running loop picks it up on its next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// Start launches the evaluation loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, stopCh)
	}()
	s.log.Info("watch monitor started", logx.Duration("interval", s.interval()))
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("watch monitor stopped")
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	tmr := time.NewTimer(s.interval())
	defer tmr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tmr.C:
			if _, err := s.EvaluateAll(ctx); err != nil {
				s.log.Error("evaluation cycle failed", logx.Err(err))
			}
			tmr.Reset(s.interval())
		}
	}
}

// EvaluateAll runs one cycle over every active watch. A failure evaluating
// one watch is logged and does not abort the rest.
func (s *Service) EvaluateAll(ctx context.Context) (Stats, error) {
	watches, err := s.st.ListActiveWatches(ctx)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for i := range watches {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		ev, err := s.EvaluateOne(ctx, watches[i])
		if err != nil {
			stats.Skipped++
			s.log.Warn("watch evaluation failed",
				logx.String("watch", watches[i].ID),
				logx.String("product", watches[i].ProductID),
				logx.Err(err))
			continue
		}
		stats.Checked++
		if ev != nil {
			stats.Triggered++
		}
	}

	if stats.Triggered > 0 {
		s.log.Info("evaluation cycle done",
			logx.Int("checked", stats.Checked),
			logx.Int("triggered", stats.Triggered),
			logx.Int("skipped", stats.Skipped))
	} else {
		s.log.Debug("evaluation cycle done",
			logx.Int("checked", stats.Checked),
			logx.Int("skipped", stats.Skipped))
	}
	return stats, nil
}

// EvaluateOne evaluates a single watch against the freshest known price and
// performs the trigger transition when its predicate holds. It returns the
// emitted event, or nil when nothing fired.
//
// Evaluating a watch that is not active is a no-op: a triggered watch never
// re-triggers until the owner reactivates it, and a paused watch is excluded.
func (s *Service) EvaluateOne(ctx context.Context, w model.Watch) (*model.NotificationEvent, error) {
	if w.State != model.WatchActive {
		return nil, nil
	}

	snap, hasSnap, err := s.st.Latest(ctx, w.ProductID)
	if err != nil {
		return nil, err
	}

	// Current-price resolution: snapshot minimum first, catalog baseline as
	// fallback. With neither available the watch is skipped this cycle.
	var (
		current  float64
		haveCur  bool
		baseline float64
	)
	if hasSnap && !snap.Empty() {
		if q, ok := snap.MinQuote(); ok {
			current = q.Price
			haveCur = true
		}
	}
	if p, err := s.st.GetProduct(ctx, w.ProductID); err == nil {
		baseline = p.BaselinePrice
	}
	if !haveCur {
		if baseline <= 0 {
			return nil, nil
		}
		current = baseline
	}

	fired := false
	switch w.Kind {
	case model.WatchAbsoluteDrop:
		fired = current <= w.Threshold
	case model.WatchPercentDrop:
		anchor := w.BaselinePrice
		if anchor <= 0 {
			anchor = baseline
		}
		if anchor > 0 {
			drop := (anchor - current) / anchor * 100
			fired = drop >= w.ThresholdPercent
		}
	case model.WatchRestock:
		// Restock fires on the transition to in-stock, which requires a
		// snapshot with tracked availability.
		if hasSnap {
			nowInStock := snap.InStock()
			fired = nowInStock && !w.LastSeenInStock
			if nowInStock != w.LastSeenInStock {
				if err := s.st.SetWatchStockSeen(ctx, w.ID, nowInStock); err != nil {
					s.log.Warn("recording stock state failed", logx.String("watch", w.ID), logx.Err(err))
				}
			}
		}
	}
	if !fired {
		return nil, nil
	}

	now := time.Now().UTC()
	committed, err := s.st.MarkTriggered(ctx, w.ID, current, now)
	if err != nil {
		return nil, err
	}
	if !committed {
		// A concurrent evaluation won the transition; this one is a no-op.
		return nil, nil
	}

	oldPrice := w.BaselinePrice
	if oldPrice <= 0 {
		oldPrice = baseline
	}
	w.TriggerCount++ // reflect the committed transition in the event's dedup identity
	ev := model.NewNotificationEvent(w, oldPrice, current, now)

	// The persisted event is the in-app feed and the audit record of the
	// trigger; delivery to the other channels happens asynchronously.
	if err := s.st.AppendEvent(ctx, ev); err != nil {
		s.log.Error("persisting notification event failed",
			logx.String("watch", w.ID), logx.Err(err))
	}

	s.log.Info("watch triggered",
		logx.String("watch", w.ID),
		logx.String("product", w.ProductID),
		logx.String("kind", string(w.Kind)),
		logx.Float64("old", oldPrice),
		logx.Float64("new", current))

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeWatchTriggered, Data: ev})
	}
	if s.sink != nil {
		if err := s.sink.Enqueue(ev); err != nil {
			// Delivery trouble never rolls back the trigger commit.
			s.log.Warn("notification enqueue failed", logx.String("watch", w.ID), logx.Err(err))
		}
	}
	return &ev, nil
}
