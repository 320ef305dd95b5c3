package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dosealert/internal/backend"
	"dosealert/internal/clock"
	"dosealert/internal/config"
	"dosealert/internal/reminder"

	"github.com/stretchr/testify/require"
)

type stubAPI struct {
	mu        sync.Mutex
	schedules []reminder.DoseSchedule
}

func (s *stubAPI) TodaySchedules(context.Context) ([]reminder.DoseSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reminder.DoseSchedule(nil), s.schedules...), nil
}

func (s *stubAPI) TodayAdherence(context.Context, reminder.ScheduleID) (*backend.Adherence, error) {
	return nil, nil
}

func (s *stubAPI) RecentNotifications(context.Context, backend.NotificationQuery) ([]backend.Notification, error) {
	return nil, nil
}

func (s *stubAPI) MarkNotificationRead(context.Context, int64) error { return nil }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dosealert.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func testConfig(dir string) string {
	return `{
  "logging": {"level": "error"},
  "backend": {"base_url": "http://127.0.0.1:1"},
  "engine": {"timezone": "UTC"},
  "poller": {"enabled": true, "interval": "1h"},
  "gateway": {"addr": "127.0.0.1:0"},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "audit.db")) + `"}
}`
}

func TestAppServesEngineOverGateway(t *testing.T) {
	api := &stubAPI{schedules: []reminder.DoseSchedule{
		{ID: 1, MedicationName: "Aspirin", Dosage: "100mg", Time: "09:00", Frequency: "daily"},
		{ID: 2, MedicationName: "Vitamin D", Time: "20:00", Frequency: "daily"},
	}}
	clk := clock.NewManual(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))

	a, err := New(writeConfig(t, testConfig(t.TempDir())), WithBackend(api), WithClock(clk))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	base := "http://" + a.GatewayAddr()

	resp, err := http.Get(base + "/api/v1/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.True(t, st.Engine.Running)
	require.Equal(t, 2, st.Engine.Schedules)
	require.Equal(t, 2, st.Engine.ActiveTimers)
	require.NotNil(t, st.Poller)

	resp, err = http.Post(base+"/api/v1/reminders/1/taken", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "taken", a.engine.Acknowledged(1))

	resp, err = http.Post(base+"/api/v1/reminders/1/snooze", "application/json", strings.NewReader(`{"minutes":5}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/api/v1/history?limit=10")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		var events []map[string]any
		if json.NewDecoder(r.Body).Decode(&events) != nil {
			return false
		}
		return len(events) > 0 && events[0]["type"] == "taken"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestApplyTogglesPollerAndKeepsRunning(t *testing.T) {
	api := &stubAPI{}
	clk := clock.NewManual(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	a, err := New(writeConfig(t, testConfig(t.TempDir())), WithBackend(api), WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	cfg := *a.cfgm.Get()
	cfg.Poller = config.PollerConfig{Enabled: false}
	cfg.Engine.RecheckAfter = "10m"
	require.NoError(t, a.apply(context.Background(), &cfg))
	require.Nil(t, a.Status().Poller)

	cfg.Poller.Enabled = true
	require.NoError(t, a.apply(context.Background(), &cfg))
	require.NotNil(t, a.Status().Poller)

	cfg.Engine.RecheckAfter = "soon"
	require.Error(t, a.apply(context.Background(), &cfg))
	require.True(t, a.Status().Engine.Running)
	require.NoError(t, a.Err())
}

func TestSystemdNotifications(t *testing.T) {
	body := strings.Replace(testConfig(t.TempDir()), `"poller"`, `"watchdog": {"systemd": true}, "poller"`, 1)
	a, err := New(writeConfig(t, body), WithBackend(&stubAPI{}), WithClock(clock.NewManual(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))))
	require.NoError(t, err)
	var mu sync.Mutex
	var states []string
	a.notify = func(s string) (bool, error) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
		return true, nil
	}
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(context.Background(), StopSIGTERM))
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, "READY=1")
	require.Contains(t, states, "STOPPING=1")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"minimal", `{"backend":{"base_url":"http://x"}}`, ""},
		{"missing backend", `{}`, "backend.base_url"},
		{"bad scheme", `{"backend":{"base_url":"ftp://x"}}`, "http(s)"},
		{"bad duration", `{"backend":{"base_url":"http://x"},"engine":{"recheck_after":"later"}}`, "engine.recheck_after"},
		{"bad timezone", `{"backend":{"base_url":"http://x"},"engine":{"timezone":"Nowhere/Land"}}`, "engine.timezone"},
		{"os surface needs telegram", `{"backend":{"base_url":"http://x"},"delivery":{"os_surface":true}}`, "telegram"},
		{"telegram needs chat", `{"backend":{"base_url":"http://x"},"telegram":{"token":"1:a"}}`, "chat_id"},
		{"sqlite needs path", `{"backend":{"base_url":"http://x"},"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"unknown driver", `{"backend":{"base_url":"http://x"},"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"storage none", `{"backend":{"base_url":"http://x"},"storage":{"driver":"none"}}`, ""},
		{"negative limit", `{"backend":{"base_url":"http://x"},"poller":{"limit":-1}}`, "poller.limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(config.EnvTelegramToken, "")
			err := ValidateConfig(writeConfig(t, tt.body))
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestMapConfigAppliesDurations(t *testing.T) {
	cfg := &config.Config{
		Backend:  config.BackendConfig{BaseURL: "https://api.example", Timeout: "3s", RetryMax: 2},
		Engine:   config.EngineConfig{Timezone: "UTC", GraceWindow: "10m", RecheckAfter: "20m", DefaultSnooze: "5m", MaxLevel: 3},
		Cooldown: config.CooldownConfig{Window: "2m", MaxEntries: 10},
		Watchdog: config.WatchdogConfig{Interval: "30s", Systemd: true},
		Telegram: &config.TelegramConfig{Token: "1:a", ChatID: 7},
		Delivery: config.DeliveryConfig{OSSurface: true, OSRatePerSec: 2},
	}
	s, err := mapConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, s.backend.Timeout)
	require.Equal(t, 10*time.Minute, s.engine.GraceWindow)
	require.Equal(t, 20*time.Minute, s.engine.RecheckAfter)
	require.Equal(t, 5*time.Minute, s.engine.DefaultSnooze)
	require.Equal(t, 3, s.engine.MaxLevel)
	require.Equal(t, time.UTC, s.engine.Location)
	require.Equal(t, 2*time.Minute, s.coolWindow)
	require.Equal(t, 30*time.Second, s.watchdog.Interval)
	require.True(t, s.watchdog.Systemd)
	require.Equal(t, 10*time.Second, s.telegram.PollTimeout)
	require.False(t, s.storageOn)
}
