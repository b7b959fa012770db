package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pricewatch/internal/model"
	"pricewatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

// Sender delivers an event over one channel (telegram, email, push, ...).
type Sender interface {
	Channel() string
	Send(ctx context.Context, e model.NotificationEvent) error
}

type job struct {
	e model.NotificationEvent
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements the outbound notification pipeline:
// bounded queue + worker pool + rate limit + retry + dedup.
//
// The trigger state commit always happens before Enqueue; nothing that goes
// wrong here ever feeds back into watch state. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	senders []Sender

	cfg     Config
	limiter *rate.Limiter

	queue  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	// In-memory dedup cache: key -> suppress until.
	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, senders []Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, senders: senders, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Info("notify pipeline started", logx.Int("workers", workers))
}

// Stop drains nothing: queued-but-undelivered events are dropped, which is
// acceptable because the persisted event record is the source of truth.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.queue = nil
	s.stopCh = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("notify pipeline stopped")
}

// Enqueue hands an event to the pipeline without blocking.
func (s *Service) Enqueue(e model.NotificationEvent) error {
	s.mu.Lock()
	queue := s.queue
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	if !enabled {
		return ErrDisabled
	}
	if queue == nil {
		return ErrStopped
	}

	j := job{e: e, dedupKey: dedupKey(e)}
	select {
	case queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func dedupKey(e model.NotificationEvent) string {
	return fmt.Sprintf("%s:%d", e.WatchID, e.TriggerSeq)
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	if s.suppressed(j.dedupKey) {
		s.log.Debug("duplicate notification suppressed", logx.String("key", j.dedupKey))
		return
	}

	s.mu.Lock()
	lim := s.limiter
	cfg := s.cfg
	senders := s.senders
	s.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	for _, snd := range senders {
		if !channelEnabled(j.e.Channels, snd.Channel()) {
			continue
		}
		var err error
		for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
			if attempt > 0 {
				delay := cfg.RetryBase * time.Duration(1<<(attempt-1))
				tmr := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					tmr.Stop()
					return
				case <-tmr.C:
				}
			}
			if err = snd.Send(ctx, j.e); err == nil {
				break
			}
		}
		if err != nil {
			// Logged only; the trigger has already committed.
			s.log.Warn("notification delivery failed",
				logx.String("channel", snd.Channel()),
				logx.String("watch", j.e.WatchID),
				logx.Err(err))
		}
	}

	s.markDelivered(j.dedupKey, cfg.DedupWindow)
}

func channelEnabled(c model.Channels, channel string) bool {
	switch channel {
	case "telegram":
		return c.Telegram
	case "email":
		return c.Email
	case "push":
		return c.Push
	default:
		return false
	}
}

func (s *Service) suppressed(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	until, ok := s.dedup[key]
	return ok && now.Before(until)
}

func (s *Service) markDelivered(key string, window time.Duration) {
	if key == "" || window <= 0 {
		return
	}
	now := time.Now()
	s.dmu.Lock()
	s.dedup[key] = now.Add(window)
	// Opportunistic prune so the cache stays bounded.
	if len(s.dedup) > 2048 {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
	}
	s.dmu.Unlock()
}
