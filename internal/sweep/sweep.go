package sweep

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pricewatch/internal/coordinator"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/model"
	"pricewatch/internal/store"
	"pricewatch/pkg/logx"
)

// Config controls the scheduled refresh cadences.
//
// Defaults (when fields are omitted/zero):
//   - FullSpec: "0 3 * * *" (daily full-catalog sweep)
//   - PrioritySpec: "@every 2h" (priority-subset sweep)
//   - Politeness: 500ms between consecutive products within a sweep
type Config struct {
	Enabled      bool
	FullSpec     string
	PrioritySpec string
	Politeness   time.Duration
	Timezone     string // IANA TZ, e.g. "Europe/Berlin"
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FullSpec) == "" {
		c.FullSpec = "0 3 * * *"
	}
	if strings.TrimSpace(c.PrioritySpec) == "" {
		c.PrioritySpec = "@every 2h"
	}
	if c.Politeness <= 0 {
		c.Politeness = 500 * time.Millisecond
	}
	return c
}

// Kind names which product set a sweep covers.
type Kind string

const (
	KindFull     Kind = "full"
	KindPriority Kind = "priority"
)

// Status is a point-in-time view of the scheduler.
type Status struct {
	Scheduled bool      `json:"scheduled"`
	Running   bool      `json:"running"`
	Kind      Kind      `json:"kind,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Products  int       `json:"products"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`

	NextFull     time.Time `json:"next_full"`
	NextPriority time.Time `json:"next_priority"`
}

// Service drives the two refresh cadences and the on-demand entry points.
// A single-flight guard keeps a second sweep from starting while one runs;
// the duplicate request observes the running sweep's status instead.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	log   logx.Logger
	coord *coordinator.Coordinator
	st    store.Store
	bus   eventbus.Bus

	parser        cron.Parser
	c             *cron.Cron
	entryFull     cron.EntryID
	entryPriority cron.EntryID
	runCtx        context.Context

	// Single-flight state of the current sweep.
	runMu   sync.Mutex
	running bool
	current Status

	// Per-product locks serialize Append for one product across a sweep
	// and concurrent RefreshOne calls.
	pmu     sync.Mutex
	perProd map[string]*sync.Mutex
}

func New(cfg Config, coord *coordinator.Coordinator, st store.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		coord:   coord,
		st:      st,
		bus:     bus,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		perProd: map[string]*sync.Mutex{},
	}
}

// Apply updates cadences at runtime. If the service is started and a spec or
// timezone changed, the cron is restarted with the new definitions.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := cfg.FullSpec != s.cfg.FullSpec ||
		cfg.PrioritySpec != s.cfg.PrioritySpec ||
		strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg

	if s.c != nil && changed {
		s.restartLocked()
	}
}

// Start registers both cadences and begins firing them. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.runCtx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	var err error
	s.entryFull, err = s.c.AddFunc(s.cfg.FullSpec, func() { s.runSweep(s.runCtx, KindFull) })
	if err != nil {
		s.c = nil
		return err
	}
	s.entryPriority, err = s.c.AddFunc(s.cfg.PrioritySpec, func() { s.runSweep(s.runCtx, KindPriority) })
	if err != nil {
		s.c = nil
		return err
	}

	s.c.Start()
	s.log.Info("sweep scheduler started",
		logx.String("full", s.cfg.FullSpec),
		logx.String("priority", s.cfg.PrioritySpec),
		logx.String("tz", loc.String()))
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if err := s.startLocked(); err != nil {
		s.log.Error("sweep scheduler restart failed", logx.Err(err))
	}
}

// Stop halts both cadences. An in-flight sweep finishes its current product
// refreshes naturally; Stop waits for running jobs before returning.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweep scheduler stopped")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Status reports whether a sweep is running and when the cadences fire next.
func (s *Service) Status() Status {
	s.runMu.Lock()
	st := s.current
	st.Running = s.running
	s.runMu.Unlock()

	s.mu.Lock()
	if s.c != nil {
		st.Scheduled = true
		st.NextFull = s.c.Entry(s.entryFull).Next
		st.NextPriority = s.c.Entry(s.entryPriority).Next
	}
	s.mu.Unlock()
	return st
}

// RefreshAll starts a full sweep immediately, bypassing the cadence but
// honoring the single-flight guard: if a sweep is already running, the
// existing run's status is returned and no second sweep starts.
func (s *Service) RefreshAll(ctx context.Context) Status {
	if s.beginSweep(KindFull) {
		go s.doSweep(ctx, KindFull)
	}
	return s.Status()
}

// RefreshOne refreshes a single product on demand. It bypasses the sweep
// cadence entirely but still rides the coordinator's rate limiting, and its
// Append is serialized against any sweep touching the same product.
func (s *Service) RefreshOne(ctx context.Context, productID string) (model.ComparisonResult, error) {
	p, err := s.st.GetProduct(ctx, productID)
	if err != nil {
		return model.ComparisonResult{}, err
	}
	return s.refreshProduct(ctx, *p)
}

// runSweep executes one sweep if none is running; otherwise it is a no-op.
func (s *Service) runSweep(ctx context.Context, kind Kind) {
	if !s.beginSweep(kind) {
		s.log.Debug("sweep already running, skipping", logx.String("kind", string(kind)))
		return
	}
	s.doSweep(ctx, kind)
}

// beginSweep is the single-flight acquisition: it reports false when a
// sweep is already in flight.
func (s *Service) beginSweep(kind Kind) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.current = Status{Kind: kind, StartedAt: time.Now().UTC()}
	return true
}

// doSweep runs a sweep to completion. The caller must have acquired the
// single-flight guard via beginSweep.
func (s *Service) doSweep(ctx context.Context, kind Kind) {
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	products, err := s.listProducts(ctx, kind)
	if err != nil {
		s.log.Error("sweep aborted: cannot list products", logx.String("kind", string(kind)), logx.Err(err))
		return
	}

	s.runMu.Lock()
	s.current.Products = len(products)
	s.runMu.Unlock()

	started := time.Now()
	s.log.Info("sweep started", logx.String("kind", string(kind)), logx.Int("products", len(products)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepStarted, Data: map[string]any{
			"kind": string(kind), "products": len(products),
		}})
	}

	completed, failed := 0, 0
	for i, p := range products {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.refreshProduct(ctx, p); err != nil {
			failed++
			s.log.Warn("product refresh failed",
				logx.String("product", p.ID), logx.Err(err))
		} else {
			completed++
		}
		s.runMu.Lock()
		s.current.Completed = completed
		s.current.Failed = failed
		s.runMu.Unlock()

		// Politeness delay between products, on top of the coordinator's
		// own per-source rate limiting.
		if i < len(products)-1 {
			tmr := time.NewTimer(s.politeness())
			select {
			case <-ctx.Done():
				tmr.Stop()
			case <-tmr.C:
			}
		}
	}

	s.log.Info("sweep finished",
		logx.String("kind", string(kind)),
		logx.Int("completed", completed),
		logx.Int("failed", failed),
		logx.Duration("took", time.Since(started)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepFinished, Data: map[string]any{
			"kind": string(kind), "completed": completed, "failed": failed,
		}})
	}
}

func (s *Service) politeness() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Politeness
}

func (s *Service) listProducts(ctx context.Context, kind Kind) ([]model.Product, error) {
	if kind == KindPriority {
		return s.st.ListPriorityProducts(ctx)
	}
	return s.st.ListProducts(ctx)
}

// refreshProduct runs one coordinator pass and writes it through to the
// store. Append failures propagate so the caller knows the refresh did not
// commit; the previous snapshot stays in place.
func (s *Service) refreshProduct(ctx context.Context, p model.Product) (model.ComparisonResult, error) {
	lock := s.productLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	result, err := s.coord.RefreshProduct(ctx, p.ID, p.SourceURLs)
	if err != nil {
		return model.ComparisonResult{}, err
	}
	if err := s.st.Append(ctx, result); err != nil {
		return model.ComparisonResult{}, errors.Join(errors.New("refresh did not commit"), err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRefreshCompleted, Data: map[string]any{
			"product": p.ID, "sources": result.Summary.Sources,
		}})
	}
	return result, nil
}

func (s *Service) productLock(id string) *sync.Mutex {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	l := s.perProd[id]
	if l == nil {
		l = &sync.Mutex{}
		s.perProd[id] = l
	}
	return l
}
