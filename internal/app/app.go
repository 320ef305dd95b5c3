// Package app is the composition root: it builds every component from the
// config file, starts them under one supervisor and applies hot reloads.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dosealert/internal/backend"
	"dosealert/internal/clock"
	"dosealert/internal/config"
	"dosealert/internal/cooldown"
	"dosealert/internal/dispatch"
	"dosealert/internal/engine"
	"dosealert/internal/eventbus"
	"dosealert/internal/gateway"
	"dosealert/internal/poller"
	"dosealert/internal/reminder"
	rtsup "dosealert/internal/runtime/supervisor"
	"dosealert/internal/storage"
	"dosealert/internal/transport/telegram"
	"dosealert/internal/watchdog"
	logx "dosealert/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	set     settings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clk   clock.Clock
	store storage.Store
	rec   *storage.Recorder

	api      backend.API
	cool     *cooldown.Cache
	ui       *gateway.UIHub
	worker   *gateway.WorkerHub
	tg       *telegram.Notifier
	disp     *dispatch.Dispatcher
	engine   *engine.Service
	poller   *poller.Poller
	watchdog *watchdog.Watchdog
	gw       *gateway.Server

	sup *rtsup.Supervisor

	pollMu     sync.Mutex
	pollCancel context.CancelFunc

	notify func(state string) (bool, error)
}

// Option overrides a dependency, mostly for tests.
type Option func(*App)

func WithClock(clk clock.Clock) Option { return func(a *App) { a.clk = clk } }

// WithBackend replaces the REST client.
func WithBackend(api backend.API) Option { return func(a *App) { a.api = api } }

// ValidateConfig loads and fully validates the file without starting
// anything.
func ValidateConfig(cfgPath string) error {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	_, err = mapConfig(cfg)
	return err
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		set:     set,
		notify:  func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	for _, o := range opts {
		o(a)
	}
	if a.clk == nil {
		a.clk = clock.Real()
	}

	logSvc, log := logx.New(set.log)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	a.bus = eventbus.New()

	if set.storageOn {
		st, err := storage.Open(set.storage, comp("storage"))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.rec = storage.NewRecorder(st, comp("storage"), 256)
		a.log.Info("storage enabled", logx.String("driver", set.storage.Driver))
	}

	if a.api == nil {
		client, err := backend.New(set.backend)
		if err != nil {
			return nil, a.closeOnErr(err)
		}
		a.api = client
	}

	a.ui = gateway.NewUIHub(comp("ui"), a.bus)

	var osSurface dispatch.Surface
	if set.telegram != nil {
		tg, err := telegram.New(*set.telegram, comp("telegram"))
		if err != nil {
			return nil, a.closeOnErr(fmt.Errorf("telegram: %w", err))
		}
		a.tg = tg
		osSurface = tg
	}

	a.cool = cooldown.New(a.clk, set.coolWindow, set.coolMax)
	a.disp = dispatch.New(set.dispatch, a.clk, a.cool, a.ui, osSurface, comp("dispatch"), a.bus, a.rec)
	a.engine = engine.New(set.engine, a.clk, a.api, a.disp, a.cool, comp("engine"), a.bus, a.rec)
	a.poller = poller.New(set.poller, a.clk, a.api, a.disp, a.engine, comp("poller"))
	a.watchdog = watchdog.New(set.watchdog, a.clk, a.engine, a.bus, comp("watchdog"))

	a.worker = gateway.NewWorkerHub(comp("worker"), a.engine.Schedules)
	if a.tg != nil {
		a.tg.Bind(a.engine, a.disp.Reauthorize)
	}
	a.gw = gateway.New(set.gateway, gateway.Deps{
		Hooks:     a.engine,
		UI:        a.ui,
		Worker:    a.worker,
		Bus:       a.bus,
		Status:    func() any { return a.Status() },
		Schedules: a.engine.Schedules,
		History:   a.store,
		Log:       comp("gateway"),
	})
	return a, nil
}

func (a *App) closeOnErr(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// GatewayAddr is the bound listener address.
func (a *App) GatewayAddr() string { return a.gw.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})

	if a.rec != nil {
		a.sup.Go("storage.recorder", a.rec.Run)
	}
	a.disp.Start(run)
	if a.tg != nil {
		if err := a.tg.Start(run); err != nil {
			return err
		}
	}
	if err := a.gw.Start(run); err != nil {
		return err
	}
	a.sup.Go("worker.broadcast", func(c context.Context) error { return a.worker.Run(c, a.bus) })

	// A failed first load is not fatal; the watchdog and the midnight
	// reload retry.
	if err := a.engine.Start(run); err != nil {
		a.log.Warn("initial schedule load failed", logx.Err(err))
	}

	a.sup.Go("watchdog", a.watchdog.Run)
	if a.set.pollerOn {
		a.startPoller(run)
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.set.watchdog.Systemd {
		if ok, err := a.notify(daemon.SdNotifyReady); err != nil {
			a.log.Warn("systemd notify failed", logx.Err(err))
		} else if ok {
			a.log.Debug("systemd notified ready")
		}
	}
	a.log.Info("app started", logx.String("gateway", a.gw.Addr()), logx.Bool("telegram", a.tg != nil), logx.Bool("poller", a.set.pollerOn))
	return nil
}

func (a *App) startPoller(ctx context.Context) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.pollCancel != nil {
		return
	}
	c, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.sup.Go("poller", func(context.Context) error { return a.poller.Run(c) })
}

func (a *App) stopPoller() {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.pollCancel != nil {
		a.pollCancel()
		a.pollCancel = nil
	}
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop applies committed configs. Restart-only sections are reported
// and otherwise ignored.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			sections, attrs, restart := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			if len(restart) > 0 {
				a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
			}
			if err := a.apply(c, newCfg); err != nil {
				a.log.Warn("invalid config; keeping previous", logx.Err(err))
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) apply(c context.Context, cfg *config.Config) error {
	set, err := mapConfig(cfg)
	if err != nil {
		return err
	}
	a.logs.Apply(set.log)
	a.engine.Apply(set.engine)
	a.cool.Apply(set.coolWindow, set.coolMax)
	// The OS surface itself cannot be swapped at runtime.
	set.dispatch.OSSurface = set.dispatch.OSSurface && a.tg != nil
	a.disp.Apply(set.dispatch)
	a.watchdog.Apply(set.watchdog)
	a.poller.Apply(set.poller)

	switch {
	case set.pollerOn && !a.set.pollerOn:
		a.log.Info("poller enabled via config")
		a.startPoller(c)
	case !set.pollerOn && a.set.pollerOn:
		a.log.Info("poller disabled via config")
		a.stopPoller()
	}
	a.set = set
	return nil
}

// Status is served on /api/v1/status.
type Status struct {
	Engine     reminder.Status   `json:"engine"`
	Dispatch   dispatch.Stats    `json:"dispatch"`
	OSDenied   bool              `json:"os_denied"`
	Poller     *poller.Stats     `json:"poller,omitempty"`
	Watchdog   watchdog.Stats    `json:"watchdog"`
	Telegram   *telegram.Stats   `json:"telegram,omitempty"`
	UIClients  int               `json:"ui_clients"`
	Workers    int               `json:"workers"`
	Tasks      []rtsup.TaskStats `json:"tasks,omitempty"`
	ConfigPath string            `json:"config_path"`
}

func (a *App) Status() Status {
	st := Status{
		Engine:     a.engine.Status(),
		Dispatch:   a.disp.Stats(),
		OSDenied:   a.disp.OSDenied(),
		Watchdog:   a.watchdog.Stats(),
		UIClients:  a.ui.Clients(),
		Workers:    a.worker.Clients(),
		ConfigPath: a.cfgPath,
	}
	a.pollMu.Lock()
	if a.pollCancel != nil {
		ps := a.poller.Stats()
		st.Poller = &ps
	}
	a.pollMu.Unlock()
	if a.tg != nil {
		ts := a.tg.Stats()
		st.Telegram = &ts
	}
	if a.sup != nil {
		st.Tasks = a.sup.Snapshot()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.set.watchdog.Systemd {
		_, _ = a.notify(daemon.SdNotifyStopping)
	}

	a.sup.Cancel()

	a.step(ctx, "engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "poller", time.Second, func(context.Context) error { a.stopPoller(); return nil })
	a.step(ctx, "dispatch", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	a.step(ctx, "gateway", 2*time.Second, func(c context.Context) error { a.gw.Stop(c); return nil })
	if a.tg != nil {
		a.step(ctx, "telegram", 2*time.Second, a.tg.Stop)
	}
	// Wait for supervised goroutines (recorder drain, config watch) before
	// closing the store underneath them.
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and never beyond ctx's
// deadline. A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
