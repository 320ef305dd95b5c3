package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "dosealert/pkg/logx"
)

// Sections that are only read at startup.
var restartSections = map[string]bool{
	"backend":  true,
	"gateway":  true,
	"telegram": true,
	"storage":  true,
}

// SummarizeConfigChange returns the changed sections, safe attrs for logging
// (never tokens), and the subset of changed sections that need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ob, nb := oldCfg.Backend, newCfg.Backend
	if ob != nb {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.base_url", strings.TrimSpace(nb.BaseURL)),
			logx.Bool("backend.token_set", strings.TrimSpace(nb.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.timezone", newCfg.Engine.Timezone),
			logx.String("engine.recheck_after", newCfg.Engine.RecheckAfter),
			logx.Int("engine.max_level", newCfg.Engine.MaxLevel),
		)
	}
	if !reflect.DeepEqual(oldCfg.Cooldown, newCfg.Cooldown) {
		changed = append(changed, "cooldown")
		attrs = append(attrs, logx.String("cooldown.window", newCfg.Cooldown.Window))
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.Bool("delivery.os_surface", newCfg.Delivery.OSSurface))
	}
	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.Enabled),
			logx.String("poller.interval", newCfg.Poller.Interval),
		)
	}
	if !reflect.DeepEqual(oldCfg.Watchdog, newCfg.Watchdog) {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.String("watchdog.interval", newCfg.Watchdog.Interval))
	}

	if oldCfg.Gateway != newCfg.Gateway {
		changed = append(changed, "gateway")
		attrs = append(attrs,
			logx.String("gateway.addr", strings.TrimSpace(newCfg.Gateway.Addr)),
			logx.Bool("gateway.token_set", strings.TrimSpace(newCfg.Gateway.Token) != ""),
			logx.Bool("gateway.pprof", newCfg.Gateway.Pprof),
		)
	}

	if telegramChanged(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram != nil))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}

	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func telegramChanged(a, b *TelegramConfig) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return *a != *b
}

// hashBytes returns a stable 64-bit hash of b. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
