// Package watchdog keeps the precise scheduler alive. Hosts may stop timers
// silently (suspend, throttling); the watchdog notices from the outside and
// reinitializes or reloads the engine.
package watchdog

import (
	"context"
	"sync"
	"time"

	"dosealert/internal/clock"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	logx "dosealert/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	DefaultInterval           = 60 * time.Second
	DefaultIdleThreshold      = 10 * time.Minute
	DefaultClockJumpThreshold = 2 * time.Minute
)

type Config struct {
	Interval           time.Duration
	IdleThreshold      time.Duration
	ClockJumpThreshold time.Duration
	// Systemd sends WATCHDOG=1 after every healthy check.
	Systemd bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.ClockJumpThreshold <= 0 {
		c.ClockJumpThreshold = DefaultClockJumpThreshold
	}
	return c
}

// Target is the engine as seen by the watchdog.
type Target interface {
	Status() reminder.Status
	Start(ctx context.Context) error
	LoadToday(ctx context.Context) error
}

// Action is what a check did.
type Action string

const (
	ActionNone   Action = "none"
	ActionReinit Action = "reinit"
	ActionReload Action = "reload"
)

// Recovery is the bus payload for WatchdogRecovered.
type Recovery struct {
	Action Action    `json:"action"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Stats struct {
	Checks      uint64    `json:"checks"`
	Reinits     uint64    `json:"reinits"`
	Reloads     uint64    `json:"reloads"`
	ClockJumps  uint64    `json:"clock_jumps"`
	LastCheckAt time.Time `json:"last_check_at,omitempty"`
	LastAction  Action    `json:"last_action,omitempty"`
	LastReason  string    `json:"last_reason,omitempty"`
}

type Watchdog struct {
	clk    clock.Clock
	target Target
	bus    eventbus.Bus
	log    logx.Logger
	notify func(state string) (bool, error)

	mu       sync.Mutex
	cfg      Config
	lastTick time.Time
	armed    time.Duration // interval of the pending periodic wait
	stats    Stats
	wake     chan struct{}
}

func New(cfg Config, clk clock.Clock, target Target, bus eventbus.Bus, log logx.Logger) *Watchdog {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{
		clk:    clk,
		target: target,
		bus:    bus,
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		cfg:    cfg.withDefaults(),
		wake:   make(chan struct{}, 1),
	}
}

func (w *Watchdog) Apply(cfg Config) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

// Run checks every interval and immediately on visible/focus signals until
// ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	var signals <-chan eventbus.Event
	if w.bus != nil {
		ch, unsub := w.bus.SubscribeTypes(8, eventbus.EnvVisible, eventbus.EnvFocus)
		defer unsub()
		signals = ch
	}

	w.mu.Lock()
	w.lastTick = wall(w.clk.Now())
	w.mu.Unlock()

	t := w.arm()
	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case ev, ok := <-signals:
			// Signals never move the periodic timer, so ticks stay one
			// interval apart.
			if !ok {
				signals = nil
				continue
			}
			w.Check(ctx, ev.Type)
		case <-w.wake:
			w.tick(ctx)
			t = w.arm()
		}
	}
}

// arm starts the next periodic wait and remembers its length for drift
// measurement.
func (w *Watchdog) arm() clock.Timer {
	w.mu.Lock()
	interval := w.cfg.Interval
	w.armed = interval
	w.mu.Unlock()
	return w.clk.AfterFunc(interval, w.kick)
}

func (w *Watchdog) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// tick is the periodic check. It also compares wall time against the
// expected interval: a large gap means the host was suspended, and a reload
// rearms every timer against the corrected clock.
func (w *Watchdog) tick(ctx context.Context) Action {
	now := wall(w.clk.Now())
	w.mu.Lock()
	cfg := w.cfg
	prev := w.lastTick
	expect := w.armed
	if expect <= 0 {
		expect = cfg.Interval
	}
	w.lastTick = now
	w.mu.Unlock()

	if !prev.IsZero() {
		drift := now.Sub(prev) - expect
		if drift < 0 {
			drift = -drift
		}
		if drift > cfg.ClockJumpThreshold {
			w.mu.Lock()
			w.stats.ClockJumps++
			w.mu.Unlock()
			w.log.Warn("clock jump detected", logx.Duration("drift", drift))
			if act := w.Check(ctx, "clock_jump"); act != ActionNone {
				return act
			}
			return w.reload(ctx, "clock_jump")
		}
	}
	return w.Check(ctx, "interval")
}

// Check reads the scheduler status once and repairs it: not running means
// reinitialize; running with no timers and no activity past the idle
// threshold means reload today's snapshot.
func (w *Watchdog) Check(ctx context.Context, reason string) Action {
	now := w.clk.Now()
	w.mu.Lock()
	cfg := w.cfg
	w.stats.Checks++
	w.stats.LastCheckAt = now
	w.mu.Unlock()

	st := w.target.Status()
	switch {
	case !st.Running:
		w.log.Warn("scheduler not running, reinitializing", logx.String("reason", reason))
		if err := w.target.Start(ctx); err != nil {
			w.log.Warn("reinitialize load failed", logx.Err(err))
		}
		w.record(ActionReinit, reason, now)
		return ActionReinit
	case st.ActiveTimers == 0 && now.Sub(st.LastActivity) > cfg.IdleThreshold:
		return w.reload(ctx, reason)
	}

	if cfg.Systemd {
		if _, err := w.notify(daemon.SdNotifyWatchdog); err != nil {
			w.log.Debug("sd_notify watchdog failed", logx.Err(err))
		}
	}
	w.mu.Lock()
	w.stats.LastAction = ActionNone
	w.stats.LastReason = reason
	w.mu.Unlock()
	return ActionNone
}

func (w *Watchdog) reload(ctx context.Context, reason string) Action {
	now := w.clk.Now()
	w.log.Info("scheduler idle, reloading snapshot", logx.String("reason", reason))
	if err := w.target.LoadToday(ctx); err != nil {
		w.log.Warn("watchdog reload failed", logx.Err(err))
	}
	w.record(ActionReload, reason, now)
	return ActionReload
}

func (w *Watchdog) record(act Action, reason string, at time.Time) {
	w.mu.Lock()
	switch act {
	case ActionReinit:
		w.stats.Reinits++
	case ActionReload:
		w.stats.Reloads++
	}
	w.stats.LastAction = act
	w.stats.LastReason = reason
	w.mu.Unlock()
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.WatchdogRecovered, Time: at, Data: Recovery{Action: act, Reason: reason, At: at}})
	}
}

func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// wall strips the monotonic reading so Sub measures wall-clock time.
func wall(t time.Time) time.Time { return t.Round(0) }
