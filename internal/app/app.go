package app

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/coordinator"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/fetch"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notify"
	"pricewatch/internal/store"
	"pricewatch/internal/sweep"
	"pricewatch/pkg/logx"
)

// App owns the whole engine: config, storage, fetch coordination, the sweep
// scheduler, the watch monitor, and the notification pipeline. It is the
// explicit orchestrator state the loops share; nothing lives in globals.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st      store.Store
	reg     *fetch.Registry
	coord   *coordinator.Coordinator
	bus     eventbus.Bus
	notify  *notify.Service
	sweeper *sweep.Service
	monitor *monitor.Service

	mu          sync.Mutex
	cancelWatch context.CancelFunc
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgMgr := config.NewManager(cfgPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))
	cfgMgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateConfig(c)
	})

	storeCfg, err := buildStoreConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(storeCfg, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	coordCfg, err := buildCoordinatorConfig(cfg.Fetch)
	if err != nil {
		return nil, err
	}
	reg := fetch.NewRegistry()
	registerSources(reg, cfg.Fetch, coordCfg.Timeout)

	bus := eventbus.New()
	coord := coordinator.New(coordCfg, reg, log.With(logx.String("comp", "coordinator")))

	notifyCfg, err := buildNotifyConfig(cfg.Notify)
	if err != nil {
		return nil, err
	}
	senders := buildSenders(cfg.Notify, log)
	notifySvc := notify.New(notifyCfg, senders, log.With(logx.String("comp", "notify")))

	sweepCfg, err := buildSweepConfig(cfg.Sweep)
	if err != nil {
		return nil, err
	}
	sweeper := sweep.New(sweepCfg, coord, st, bus, log.With(logx.String("comp", "sweep")))

	monitorCfg, err := buildMonitorConfig(cfg.Monitor)
	if err != nil {
		return nil, err
	}
	mon := monitor.New(monitorCfg, st, notifySvc, bus, log.With(logx.String("comp", "monitor")))

	return &App{
		cfgMgr:  cfgMgr,
		logSvc:  logSvc,
		log:     log,
		st:      st,
		reg:     reg,
		coord:   coord,
		bus:     bus,
		notify:  notifySvc,
		sweeper: sweeper,
		monitor: mon,
	}, nil
}

// Store exposes the persistence layer for owner-facing operations
// (watch CRUD, event feeds).
func (a *App) Store() store.Store { return a.st }

// Logger returns the root application logger.
func (a *App) Logger() logx.Logger { return a.log }

// Start brings up the notification pipeline, the configured loops, and the
// config file watcher.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	a.notify.Start(ctx)
	if cfg.Sweep.Enabled {
		if err := a.sweeper.Start(ctx); err != nil {
			return err
		}
	}
	if cfg.Monitor.Enabled {
		a.monitor.Start(ctx)
	}

	wctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelWatch = cancel
	a.mu.Unlock()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(wctx); err != nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(wctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.busLogLoop(wctx)
	}()

	a.log.Info("pricewatch started")
	return nil
}

// Stop shuts everything down in reverse order. In-flight product refreshes
// finish or time out naturally; nothing is killed mid-fetch.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancelWatch
	a.cancelWatch = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.sweeper.Stop(ctx)
	a.monitor.Stop()
	a.notify.Stop()
	a.wg.Wait()

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("pricewatch stopped")
	_ = a.logSvc.Close()
	return nil
}

// reloadLoop applies config changes published by the file watcher.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-sub:
			if cfg == nil {
				continue
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if c, err := buildCoordinatorConfig(cfg.Fetch); err == nil {
		a.coord.Apply(c)
		registerSources(a.reg, cfg.Fetch, c.Timeout)
	} else {
		a.log.Warn("fetch config rejected", logx.Err(err))
	}
	if c, err := buildSweepConfig(cfg.Sweep); err == nil {
		a.sweeper.Apply(c)
	} else {
		a.log.Warn("sweep config rejected", logx.Err(err))
	}
	if c, err := buildMonitorConfig(cfg.Monitor); err == nil {
		a.monitor.Apply(c)
	} else {
		a.log.Warn("monitor config rejected", logx.Err(err))
	}
	if c, err := buildNotifyConfig(cfg.Notify); err == nil {
		a.notify.Apply(c)
	} else {
		a.log.Warn("notify config rejected", logx.Err(err))
	}
	// Storage driver/path changes need a restart; they are intentionally
	// not hot-applied.
}

// busLogLoop surfaces engine events at debug level for operators tailing
// the log.
func (a *App) busLogLoop(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(32)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

// registerSources registers the built-in HTTP JSON adapter for every
// configured source. Called again on reload so field mappings track config.
func registerSources(reg *fetch.Registry, cfg config.FetchConfig, timeout time.Duration) {
	for id, sc := range cfg.Sources {
		reg.Register(fetch.NewHTTPJSON(fetch.HTTPJSONConfig{
			Source:            id,
			PriceField:        sc.PriceField,
			CurrencyField:     sc.CurrencyField,
			AvailabilityField: sc.AvailabilityField,
			Timeout:           timeout,
		}))
	}
}

func buildSenders(cfg config.NotifyConfig, log logx.Logger) []notify.Sender {
	senders := []notify.Sender{
		notify.NewLogSender("email", log.With(logx.String("comp", "notify"))),
		notify.NewLogSender("push", log.With(logx.String("comp", "notify"))),
	}
	if cfg.Telegram.Enabled {
		token := strings.TrimSpace(cfg.Telegram.Token)
		if token == "" {
			token = strings.TrimSpace(os.Getenv("PRICEWATCH_TELEGRAM_TOKEN"))
		}
		if token == "" {
			log.Warn("telegram channel enabled but no token configured")
		} else if tg, err := notify.NewTelegram(token, cfg.Telegram.ChatID); err != nil {
			log.Warn("telegram sender init failed", logx.Err(err))
		} else {
			senders = append(senders, tg)
		}
	}
	return senders
}
