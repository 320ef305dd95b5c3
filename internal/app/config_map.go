package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"dosealert/internal/backend"
	"dosealert/internal/config"
	"dosealert/internal/dispatch"
	"dosealert/internal/engine"
	"dosealert/internal/gateway"
	"dosealert/internal/poller"
	"dosealert/internal/storage"
	"dosealert/internal/transport/telegram"
	"dosealert/internal/watchdog"
	logx "dosealert/pkg/logx"
)

// settings is the parsed form of config.Config that components consume.
type settings struct {
	log      logx.Config
	backend  backend.Config
	engine   engine.Config
	dispatch dispatch.Config
	gateway  gateway.Config
	watchdog watchdog.Config

	coolWindow time.Duration
	coolMax    int

	pollerOn bool
	poller   poller.Config

	telegram *telegram.Config

	storageOn bool
	storage   storage.Config
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapConfig parses every duration and checks cross-field constraints. It is
// also the hot-reload validator.
func mapConfig(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s   settings
		err error
	)
	s.log = mapLoggingConfig(cfg)

	if s.backend, err = mapBackendConfig(cfg); err != nil {
		return settings{}, err
	}
	if s.engine, err = mapEngineConfig(cfg); err != nil {
		return settings{}, err
	}
	if s.coolWindow, err = config.ParseDurationField("cooldown.window", cfg.Cooldown.Window); err != nil {
		return settings{}, err
	}
	if cfg.Cooldown.MaxEntries < 0 {
		return settings{}, fmt.Errorf("cooldown.max_entries must be >= 0")
	}
	s.coolMax = cfg.Cooldown.MaxEntries

	if s.dispatch, err = mapDeliveryConfig(cfg); err != nil {
		return settings{}, err
	}

	s.pollerOn = cfg.Poller.Enabled
	if cfg.Poller.Limit < 0 {
		return settings{}, fmt.Errorf("poller.limit must be >= 0")
	}
	s.poller.Limit = cfg.Poller.Limit
	if s.poller.Interval, err = config.ParseDurationField("poller.interval", cfg.Poller.Interval); err != nil {
		return settings{}, err
	}

	if s.watchdog, err = mapWatchdogConfig(cfg); err != nil {
		return settings{}, err
	}
	if s.gateway, err = mapGatewayConfig(cfg); err != nil {
		return settings{}, err
	}
	if s.telegram, err = mapTelegramConfig(cfg); err != nil {
		return settings{}, err
	}
	if s.dispatch.OSSurface && s.telegram == nil {
		return settings{}, fmt.Errorf("delivery.os_surface requires a telegram section")
	}
	if s.storage, s.storageOn, err = mapStorageConfig(cfg); err != nil {
		return settings{}, err
	}
	return s, nil
}

func mapBackendConfig(cfg *config.Config) (backend.Config, error) {
	b := cfg.Backend
	if strings.TrimSpace(b.BaseURL) == "" {
		return backend.Config{}, fmt.Errorf("backend.base_url is required")
	}
	if !strings.HasPrefix(b.BaseURL, "http://") && !strings.HasPrefix(b.BaseURL, "https://") {
		return backend.Config{}, fmt.Errorf("backend.base_url must be an http(s) URL")
	}
	if b.RetryMax < 0 {
		return backend.Config{}, fmt.Errorf("backend.retry_max must be >= 0")
	}
	timeout, err := config.ParseDurationField("backend.timeout", b.Timeout)
	if err != nil {
		return backend.Config{}, err
	}
	return backend.Config{BaseURL: b.BaseURL, Token: b.Token, Timeout: timeout, RetryMax: b.RetryMax}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	loc, err := config.ParseLocation("engine.timezone", e.Timezone)
	if err != nil {
		return engine.Config{}, err
	}
	if e.MaxLevel < 0 {
		return engine.Config{}, fmt.Errorf("engine.max_level must be >= 0")
	}
	out := engine.Config{Location: loc, MaxLevel: e.MaxLevel}
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"engine.grace_window", e.GraceWindow, &out.GraceWindow},
		{"engine.horizon", e.Horizon, &out.Horizon},
		{"engine.recheck_after", e.RecheckAfter, &out.RecheckAfter},
		{"engine.default_snooze", e.DefaultSnooze, &out.DefaultSnooze},
		{"engine.fetch_timeout", e.FetchTimeout, &out.FetchTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.key, f.raw); err != nil {
			return engine.Config{}, err
		}
	}
	return out, nil
}

func mapDeliveryConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Delivery
	if d.OSRatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("delivery.os_rate_per_sec must be >= 0")
	}
	if d.QueueSize < 0 || d.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("delivery.queue_size and delivery.retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("delivery.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		OSSurface:     d.OSSurface,
		OSRatePerSec:  d.OSRatePerSec,
		QueueSize:     d.QueueSize,
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	w := cfg.Watchdog
	out := watchdog.Config{Systemd: w.Systemd}
	var err error
	if out.Interval, err = config.ParseDurationField("watchdog.interval", w.Interval); err != nil {
		return watchdog.Config{}, err
	}
	if out.IdleThreshold, err = config.ParseDurationField("watchdog.idle_threshold", w.IdleThreshold); err != nil {
		return watchdog.Config{}, err
	}
	if out.ClockJumpThreshold, err = config.ParseDurationField("watchdog.clock_jump_threshold", w.ClockJumpThreshold); err != nil {
		return watchdog.Config{}, err
	}
	return out, nil
}

func mapGatewayConfig(cfg *config.Config) (gateway.Config, error) {
	g := cfg.Gateway
	out := gateway.Config{
		Addr:          strings.TrimSpace(g.Addr),
		Token:         strings.TrimSpace(g.Token),
		AllowInsecure: g.AllowInsecure,
		Pprof:         g.Pprof,
	}
	var err error
	if out.ReadHeaderTimeout, err = config.ParseDurationField("gateway.read_header_timeout", g.ReadHeaderTimeout); err != nil {
		return gateway.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("gateway.idle_timeout", g.IdleTimeout); err != nil {
		return gateway.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (*telegram.Config, error) {
	t := cfg.Telegram
	if t == nil {
		return nil, nil
	}
	if strings.TrimSpace(t.Token) == "" {
		return nil, fmt.Errorf("telegram.token is required (or set %s)", config.EnvTelegramToken)
	}
	if t.ChatID == 0 {
		return nil, fmt.Errorf("telegram.chat_id is required")
	}
	if t.SnoozeMinutes < 0 {
		return nil, fmt.Errorf("telegram.snooze_minutes must be >= 0")
	}
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &telegram.Config{Token: t.Token, ChatID: t.ChatID, PollTimeout: pt, SnoozeMinutes: t.SnoozeMinutes}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
