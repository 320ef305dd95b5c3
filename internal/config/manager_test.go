package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "dosealert/pkg/logx"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
backend:
  base_url: http://127.0.0.1:8000
  timeout: 5s
engine:
  timezone: UTC
  recheck_after: 30m
  max_level: 2
poller:
  enabled: true
  interval: 30s
telegram:
  chat_id: 42
storage:
  driver: sqlite
  path: ./dosealert.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.getenv = func(string) string { return "" }
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "http://127.0.0.1:8000", cfg.Backend.BaseURL)
	require.Equal(t, "30m", cfg.Engine.RecheckAfter)
	require.True(t, cfg.Poller.Enabled)
	require.NotNil(t, cfg.Telegram)
	require.EqualValues(t, 42, cfg.Telegram.ChatID)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	tests := []struct {
		name, file, body string
	}{
		{"unknown json field", "c.json", `{"engine":{"bogus":1}}`},
		{"unknown yaml field", "c.yml", "poller:\n  bogus: true\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "a: [1,"},
		{"two yaml documents", "c.yaml", "poller: {}\n---\npoller: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, tt.file, tt.body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestEnvOverridesTokens(t *testing.T) {
	m := NewConfigManager(writeFile(t, "c.json", `{"backend":{"token":"file"},"telegram":{"chat_id":1}}`))
	env := map[string]string{
		EnvBackendToken:  "from-env",
		EnvTelegramToken: " tg ",
	}
	m.getenv = func(k string) string { return env[k] }
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Backend.Token)
	require.Equal(t, "tg", cfg.Telegram.Token)
	require.Empty(t, cfg.Gateway.Token)
}

func TestEmptyYAMLIsDefaults(t *testing.T) {
	cfg, err := NewConfigManager(writeFile(t, "c.yaml", "# nothing yet\n")).Parse()
	require.NoError(t, err)
	require.Nil(t, cfg.Storage)
}

func TestTelegramEnvNeedsSection(t *testing.T) {
	m := NewConfigManager(writeFile(t, "c.json", `{}`))
	m.getenv = func(k string) string { return "tok" }
	cfg, err := m.Parse()
	require.NoError(t, err)
	require.Nil(t, cfg.Telegram)
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
	m.publish(a) // no subscribers left; must not panic
}

func TestReloadValidatesAndSkipsUnchanged(t *testing.T) {
	p := writeFile(t, "c.json", `{"poller":{"interval":"10s"}}`)
	m := NewConfigManager(p)
	m.getenv = func(string) string { return "" }
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	require.False(t, m.reload(context.Background()), "unchanged content")

	require.NoError(t, os.WriteFile(p, []byte(`{"poller":{"interval":"20s"}}`), 0o600))
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	require.False(t, m.reload(context.Background()))
	require.Equal(t, "10s", m.Get().Poller.Interval)

	m.SetValidator(nil)
	require.True(t, m.reload(context.Background()))
	require.Equal(t, "20s", (<-ch).Poller.Interval)
}

func TestWatchPublishesOnWrite(t *testing.T) {
	p := writeFile(t, "c.json", `{"poller":{"interval":"10s"}}`)
	m := NewConfigManager(p)
	m.getenv = func(string) string { return "" }
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The watcher may not be registered yet; keep rewriting until seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case cfg := <-ch:
			require.Equal(t, "45s", cfg.Poller.Interval)
			return
		case <-tick.C:
			body := `{"poller":{"interval":"45s"}}`
			if i%2 == 1 {
				body += "\n"
			}
			require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Backend: BackendConfig{BaseURL: "http://a", Token: "secret"}}
	newCfg := &Config{
		Backend: BackendConfig{BaseURL: "http://a", Token: "rotated"},
		Poller:  PollerConfig{Enabled: true, Interval: "1m"},
		Gateway: GatewayConfig{Addr: "127.0.0.1:9000"},
	}
	sections, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	require.Equal(t, []string{"backend", "poller", "gateway"}, sections)
	require.Equal(t, []string{"backend", "gateway"}, restart)
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config change", attrs...)
	require.Contains(t, buf.String(), "backend.token_set")
	require.NotContains(t, buf.String(), "rotated")
	require.NotContains(t, buf.String(), "secret")

	sections, _, restart = SummarizeConfigChange(newCfg, newCfg)
	require.Empty(t, sections)
	require.Empty(t, restart)

	_, _, restart = SummarizeConfigChange(&Config{}, &Config{Telegram: &TelegramConfig{ChatID: 1}})
	require.Equal(t, []string{"telegram"}, restart)
}

func TestParseLocationAndDurations(t *testing.T) {
	loc, err := ParseLocation("engine.timezone", "")
	require.NoError(t, err)
	require.Equal(t, time.Local, loc)
	loc, err = ParseLocation("engine.timezone", "UTC")
	require.NoError(t, err)
	require.Equal(t, "UTC", loc.String())
	_, err = ParseLocation("engine.timezone", "Mars/Olympus")
	require.ErrorContains(t, err, "engine.timezone")

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, d)
	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)
}
