package app

import (
	"time"

	"pricewatch/internal/config"
	"pricewatch/internal/coordinator"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notify"
	"pricewatch/internal/store"
	"pricewatch/internal/sweep"
)

// Translation from the file config (duration strings) to the typed configs
// the subsystems consume. Each helper fails loudly on a malformed duration
// so a bad reload never half-applies.

// validateConfig runs every translation once so a malformed file is rejected
// as a whole before any subsystem sees it.
func validateConfig(c *config.Config) error {
	if _, err := buildStoreConfig(c.Storage); err != nil {
		return err
	}
	if _, err := buildCoordinatorConfig(c.Fetch); err != nil {
		return err
	}
	if _, err := buildSweepConfig(c.Sweep); err != nil {
		return err
	}
	if _, err := buildMonitorConfig(c.Monitor); err != nil {
		return err
	}
	if _, err := buildNotifyConfig(c.Notify); err != nil {
		return err
	}
	return nil
}

func buildStoreConfig(c config.StorageConfig) (store.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:       c.Driver,
		Path:         c.Path,
		BusyTimeout:  busy,
		HistoryLimit: c.HistoryLimit,
	}, nil
}

func buildCoordinatorConfig(c config.FetchConfig) (coordinator.Config, error) {
	rateInterval, err := config.ParseDurationField("fetch.rate_interval", c.RateInterval)
	if err != nil {
		return coordinator.Config{}, err
	}
	retryDelay, err := config.ParseDurationField("fetch.retry_delay", c.RetryDelay)
	if err != nil {
		return coordinator.Config{}, err
	}
	timeout, err := config.ParseDurationField("fetch.timeout", c.Timeout)
	if err != nil {
		return coordinator.Config{}, err
	}

	var perSource map[string]time.Duration
	for id, sc := range c.Sources {
		d, err := config.ParseDurationField("fetch.sources."+id+".rate_interval", sc.RateInterval)
		if err != nil {
			return coordinator.Config{}, err
		}
		if d <= 0 {
			continue
		}
		if perSource == nil {
			perSource = map[string]time.Duration{}
		}
		perSource[id] = d
	}

	return coordinator.Config{
		Concurrency:         c.Concurrency,
		RateInterval:        rateInterval,
		RetryMax:            c.RetryMax,
		RetryDelay:          retryDelay,
		Timeout:             timeout,
		SourceRateIntervals: perSource,
	}, nil
}

func buildSweepConfig(c config.SweepConfig) (sweep.Config, error) {
	politeness, err := config.ParseDurationField("sweep.politeness", c.Politeness)
	if err != nil {
		return sweep.Config{}, err
	}
	return sweep.Config{
		Enabled:      c.Enabled,
		FullSpec:     c.FullSpec,
		PrioritySpec: c.PrioritySpec,
		Politeness:   politeness,
		Timezone:     c.Timezone,
	}, nil
}

func buildMonitorConfig(c config.MonitorConfig) (monitor.Config, error) {
	interval, err := config.ParseDurationField("monitor.interval", c.Interval)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{Enabled: c.Enabled, Interval: interval}, nil
}

func buildNotifyConfig(c config.NotifyConfig) (notify.Config, error) {
	retryBase, err := config.ParseDurationField("notify.retry_base", c.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationField("notify.dedup_window", c.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:     c.Enabled,
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		RatePerSec:  c.RatePerSec,
		RetryMax:    c.RetryMax,
		RetryBase:   retryBase,
		DedupWindow: dedup,
	}, nil
}
