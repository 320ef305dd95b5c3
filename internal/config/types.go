package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("30s", "5m"); empty means the component default.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Backend  BackendConfig  `json:"backend"`
	Engine   EngineConfig   `json:"engine"`
	Cooldown CooldownConfig `json:"cooldown"`
	Delivery DeliveryConfig `json:"delivery"`
	Poller   PollerConfig   `json:"poller"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Gateway  GatewayConfig  `json:"gateway"`

	// Telegram enables the OS-level surface when present.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
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

// BackendConfig points at the schedule store REST API.
//
// Token may be left empty and supplied via DOSEALERT_BACKEND_TOKEN.
type BackendConfig struct {
	BaseURL  string `json:"base_url"`
	Token    string `json:"token,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
}

// EngineConfig controls scheduling and escalation.
//
// Defaults:
//   - timezone: host local time
//   - grace_window: "30m"
//   - horizon: "24h"
//   - recheck_after: "30m"
//   - max_level: 2
//   - default_snooze: "15m"
type EngineConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	GraceWindow   string `json:"grace_window,omitempty"`
	Horizon       string `json:"horizon,omitempty"`
	RecheckAfter  string `json:"recheck_after,omitempty"`
	MaxLevel      int    `json:"max_level,omitempty"`
	DefaultSnooze string `json:"default_snooze,omitempty"`
	FetchTimeout  string `json:"fetch_timeout,omitempty"`
}

type CooldownConfig struct {
	Window     string `json:"window,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
}

// DeliveryConfig controls the dispatcher's secondary (OS-level) path.
type DeliveryConfig struct {
	OSSurface     bool    `json:"os_surface"`
	OSRatePerSec  float64 `json:"os_rate_per_sec,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
}

type PollerConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type WatchdogConfig struct {
	Interval           string `json:"interval,omitempty"`
	IdleThreshold      string `json:"idle_threshold,omitempty"`
	ClockJumpThreshold string `json:"clock_jump_threshold,omitempty"`
	Systemd            bool   `json:"systemd,omitempty"`
}

// GatewayConfig controls the HTTP/websocket listener.
//
// Security note: a non-loopback addr requires a token unless allow_insecure
// is set explicitly.
type GatewayConfig struct {
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
}

// TelegramConfig enables the bot surface. Token may come from
// DOSEALERT_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token         string `json:"token,omitempty"`
	ChatID        int64  `json:"chat_id"`
	PollTimeout   string `json:"poll_timeout,omitempty"`
	SnoozeMinutes int    `json:"snooze_minutes,omitempty"`
}

// StorageConfig controls the optional audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dosealert.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}
