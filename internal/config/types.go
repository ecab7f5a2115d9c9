package config

import "time"

// Config is the on-disk configuration (YAML or JSON).
//
// The Telegram bot token deliberately does NOT live here: it is a secret and
// comes from the environment (UNLOCKBOT_TG_TOKEN, falling back to
// TG_BOT_TOKEN). Everything else is hot-reloadable.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Watcher  WatcherConfig  `json:"watcher"`
	Probe    ProbeConfig    `json:"probe"`
	Storage  StorageConfig  `json:"storage"`
	Notify   NotifyConfig   `json:"notify"`
}

type TelegramConfig struct {
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// OwnerUserIDs guards the shared endpoint commands (/setapi, /settoken).
	// Empty means everyone may configure the endpoint.
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
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

// WatcherConfig controls the sweep trigger.
//
// Tick is the global scheduler cadence (default "1m"). Per-subscriber
// intervals are honored at tick granularity.
type WatcherConfig struct {
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ for the trigger, e.g. "Asia/Ho_Chi_Minh"
}

// ProbeConfig controls the status endpoint client.
type ProbeConfig struct {
	Timeout     string `json:"timeout,omitempty"`     // default "20s"
	Concurrency int    `json:"concurrency,omitempty"` // probes in flight per sweep, default 4
}

// StorageConfig selects the subscription store backend.
//
// Driver values:
//   - "file": JSON snapshot with atomic replace (default)
//   - "sqlite": SQLite database file
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifyConfig controls outbound message pacing.
type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 3
}

// Durations resolved from the raw config.

func (c *Config) PollTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
}

func (c *Config) WatcherTick() (time.Duration, error) {
	return ParseDurationOrDefault("watcher.tick", c.Watcher.Tick, time.Minute)
}

func (c *Config) ProbeTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("probe.timeout", c.Probe.Timeout, 20*time.Second)
}

func (c *Config) StorageBusyTimeout() (time.Duration, error) {
	return ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
}

// Validate resolves every derived field once so a broken config is rejected
// before it is committed/published.
func (c *Config) Validate() error {
	if _, err := c.PollTimeout(); err != nil {
		return err
	}
	if _, err := c.WatcherTick(); err != nil {
		return err
	}
	if _, err := c.ProbeTimeout(); err != nil {
		return err
	}
	if _, err := c.StorageBusyTimeout(); err != nil {
		return err
	}
	return nil
}
