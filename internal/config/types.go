package config

// Config is the whole engine configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2h").
// Files may be YAML or JSON; either way the decode is strict, so unknown
// keys are rejected early instead of silently ignored.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Fetch   FetchConfig   `json:"fetch"`
	Sweep   SweepConfig   `json:"sweep"`
	Monitor MonitorConfig `json:"monitor"`
	Notify  NotifyConfig  `json:"notify"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Driver values:
//   - "memory": in-process store (tests, dev)
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite only
	HistoryLimit int    `json:"history_limit,omitempty"`
}

// FetchConfig controls the rate-limited fetch coordinator and its sources.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 3
//   - rate_interval: "2s"
//   - retry_max: 2
//   - retry_delay: "1s"
//   - timeout: "10s"
type FetchConfig struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	RateInterval string `json:"rate_interval,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
	Timeout      string `json:"timeout,omitempty"`

	// Sources maps source id to per-source adapter settings.
	Sources map[string]SourceConfig `json:"sources,omitempty"`
}

// SourceConfig describes one external retail source.
//
// The built-in adapter expects a JSON payload; the field names tell it
// where to find price/currency/availability in that payload.
type SourceConfig struct {
	PriceField        string `json:"price_field,omitempty"`
	CurrencyField     string `json:"currency_field,omitempty"`
	AvailabilityField string `json:"availability_field,omitempty"`
	// RateInterval overrides fetch.rate_interval for this source.
	RateInterval string `json:"rate_interval,omitempty"`
}

// SweepConfig controls the scheduled refresh cycles.
//
// FullSpec and PrioritySpec accept cron specs or "@every ..." shorthands.
type SweepConfig struct {
	Enabled      bool   `json:"enabled"`
	FullSpec     string `json:"full_spec,omitempty"`     // default "0 3 * * *"
	PrioritySpec string `json:"priority_spec,omitempty"` // default "@every 2h"
	// Politeness is the fixed delay between consecutive product refreshes
	// within one sweep, on top of the coordinator's own rate limiting.
	Politeness string `json:"politeness,omitempty"` // default "500ms"
	Timezone   string `json:"timezone,omitempty"`   // IANA TZ
}

// MonitorConfig controls the watch evaluation loop.
type MonitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // default "1m"
}

// NotifyConfig controls the async notification pipeline.
type NotifyConfig struct {
	Enabled     bool   `json:"enabled"`
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the telegram delivery channel.
// Token may also come from the PRICEWATCH_TELEGRAM_TOKEN environment
// variable (e.g. via a .env file).
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}
