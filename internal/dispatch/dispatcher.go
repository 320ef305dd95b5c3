// Package dispatch is the single choke point through which every reminder
// reaches the user. Both delivery paths (precise timers and the polling
// fallback) call Deliver, which consults the cooldown cache, renders, and
// records the delivery under one lock.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"dosealert/internal/clock"
	"dosealert/internal/cooldown"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	rtsup "dosealert/internal/runtime/supervisor"
	"dosealert/internal/storage"
	logx "dosealert/pkg/logx"

	"golang.org/x/time/rate"
)

// Source names the path a delivery came from.
type Source string

const (
	SourceScheduler Source = "scheduler"
	SourcePoller    Source = "poller"
)

type Config struct {
	// OSSurface enables the OS-level surface as a secondary path.
	OSSurface     bool
	OSRatePerSec  float64
	QueueSize     int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Result describes the outcome of one Deliver call.
type Result struct {
	Delivered  bool
	Suppressed bool
	Surface    string
	Err        error
}

// DeliveryEvent is the bus payload for delivered and suppressed reminders.
type DeliveryEvent struct {
	ScheduleID reminder.ScheduleID `json:"schedule_id"`
	Kind       reminder.Kind       `json:"kind"`
	Level      int                 `json:"escalation_level"`
	Surface    string              `json:"surface,omitempty"`
	Source     Source              `json:"source"`
	At         time.Time           `json:"at"`
}

type Stats struct {
	Delivered    uint64 `json:"delivered"`
	Suppressed   uint64 `json:"suppressed"`
	OSFailed     uint64 `json:"os_failed"`
	OSDenied     bool   `json:"os_denied"`
	ActiveAlerts int    `json:"active_alerts"`
	QueueLen     int    `json:"queue_len"`
}

type osJob struct {
	p   Payload
	src Source
}

type alertLoop struct {
	seq   uint64
	timer clock.Timer
}

// Dispatcher routes reminders to the primary (in-app) surface when a visible
// client is present, otherwise to the OS surface.
//
// It is safe for concurrent use.
type Dispatcher struct {
	// mu spans consult, render and record so the two delivery paths cannot
	// both pass the cooldown check for the same key.
	mu sync.Mutex

	clk  clock.Clock
	cool *cooldown.Cache
	ui   Surface
	os   Surface
	log  logx.Logger
	bus  eventbus.Bus
	rec  *storage.Recorder

	cfg      Config
	limiter  *rate.Limiter
	osDenied bool

	loops   map[reminder.ScheduleID]*alertLoop
	loopSeq uint64

	queue chan osJob
	sup   *rtsup.Supervisor

	delivered  atomic.Uint64
	suppressed atomic.Uint64
	osFailed   atomic.Uint64
}

// New creates a dispatcher. ui and os may be nil.
func New(cfg Config, clk clock.Clock, cool *cooldown.Cache, ui, os Surface, log logx.Logger, bus eventbus.Bus, rec *storage.Recorder) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		clk:   clk,
		cool:  cool,
		ui:    ui,
		os:    os,
		log:   log,
		bus:   bus,
		rec:   rec,
		loops: map[reminder.ScheduleID]*alertLoop{},
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.OSRatePerSec <= 0 {
		cfg.OSRatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	burst := int(cfg.OSRatePerSec)
	if burst < 1 {
		burst = 1
	}
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.OSRatePerSec), burst)
}

// Start launches the OS-surface worker. It is idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	q := make(chan osJob, d.cfg.QueueSize)
	d.queue = q
	d.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(d.log), rtsup.WithCancelOnError(false))
	sup := d.sup
	d.mu.Unlock()

	sup.GoRestart("os.worker", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case j := <-q:
				d.sendOS(c, j)
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops the worker and every alert loop. Queued OS jobs are dropped.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.queue = nil
	for id := range d.loops {
		d.stopLoopLocked(id)
	}
	d.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Deliver consults the cooldown cache, renders inst on the best available
// surface and records the delivery.
func (d *Dispatcher) Deliver(ctx context.Context, inst reminder.Instance, src Source) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	ev := DeliveryEvent{ScheduleID: inst.ScheduleID, Kind: inst.Kind, Level: inst.Level, Source: src, At: now}

	if d.cool != nil && !d.cool.ShouldDeliver(inst.ScheduleID, inst.Kind) {
		d.suppressed.Add(1)
		d.log.Debug("reminder suppressed by cooldown", logx.Int64("schedule_id", int64(inst.ScheduleID)), logx.String("kind", string(inst.Kind)), logx.String("source", string(src)))
		d.publish(eventbus.ReminderSuppress, ev)
		d.rec.Record(storage.Event{At: now, Type: storage.EventSuppressed, ScheduleID: int64(inst.ScheduleID), Kind: string(inst.Kind), Level: inst.Level, Source: string(src)})
		return Result{Suppressed: true}
	}

	p := NewPayload(inst)
	s, err := d.renderLocked(ctx, p, src)
	if err != nil {
		d.log.Warn("reminder not rendered", logx.Int64("schedule_id", int64(inst.ScheduleID)), logx.String("kind", string(inst.Kind)), logx.Err(err))
		return Result{Err: err}
	}

	if d.cool != nil {
		d.cool.RecordDelivered(inst.ScheduleID, inst.Kind)
	}
	d.startLoopLocked(inst.ScheduleID, inst.Level, s)
	d.delivered.Add(1)

	ev.Surface = s.Name()
	d.log.Info("reminder delivered",
		logx.Int64("schedule_id", int64(inst.ScheduleID)),
		logx.String("kind", string(inst.Kind)),
		logx.Int("level", inst.Level),
		logx.String("surface", s.Name()),
		logx.String("source", string(src)),
	)
	d.publish(eventbus.ReminderDelivered, ev)
	d.rec.Record(storage.Event{At: now, Type: storage.EventDelivered, ScheduleID: int64(inst.ScheduleID), Kind: string(inst.Kind), Level: inst.Level, Surface: s.Name(), Source: string(src)})
	return Result{Delivered: true, Surface: s.Name()}
}

func (d *Dispatcher) renderLocked(ctx context.Context, p Payload, src Source) (Surface, error) {
	if d.ui != nil && d.ui.Available() {
		err := d.ui.Render(ctx, p)
		if err == nil {
			return d.ui, nil
		}
		d.log.Warn("primary surface render failed", logx.String("surface", d.ui.Name()), logx.Err(err))
	}
	if d.osUsableLocked() {
		select {
		case d.queue <- osJob{p: p, src: src}:
			return d.os, nil
		default:
			return nil, ErrQueueFull
		}
	}
	return nil, ErrNoSurface
}

func (d *Dispatcher) osUsableLocked() bool {
	return d.os != nil && d.cfg.OSSurface && !d.osDenied && d.queue != nil && d.os.Available()
}

// Dismiss stops the alert loop for id and withdraws the reminder from every
// surface that supports it.
func (d *Dispatcher) Dismiss(ctx context.Context, id reminder.ScheduleID) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	d.stopLoopLocked(id)
	surfaces := []Surface{d.ui, d.os}
	d.mu.Unlock()

	for _, s := range surfaces {
		if ds, ok := s.(Dismisser); ok && s != nil {
			if err := ds.Dismiss(ctx, id); err != nil {
				d.log.Debug("dismiss failed", logx.String("surface", s.Name()), logx.Int64("schedule_id", int64(id)), logx.Err(err))
			}
		}
	}
	d.publish(eventbus.ReminderDismissed, DeliveryEvent{ScheduleID: id, At: d.clk.Now()})
}

// Reauthorize re-enables an OS surface previously marked as denied.
func (d *Dispatcher) Reauthorize() {
	d.mu.Lock()
	was := d.osDenied
	d.osDenied = false
	d.mu.Unlock()
	if was {
		d.log.Info("os surface re-authorized")
	}
}

func (d *Dispatcher) OSDenied() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.osDenied
}

// ActiveAlerts returns the number of running alert loops.
func (d *Dispatcher) ActiveAlerts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.loops)
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	st := Stats{OSDenied: d.osDenied, ActiveAlerts: len(d.loops), QueueLen: len(d.queue)}
	d.mu.Unlock()
	st.Delivered = d.delivered.Load()
	st.Suppressed = d.suppressed.Load()
	st.OSFailed = d.osFailed.Load()
	return st
}

// startLoopLocked replaces any running alert loop for id. The loop repeats
// at the level cadence and ends when the auto-dismiss duration elapses.
func (d *Dispatcher) startLoopLocked(id reminder.ScheduleID, level int, s Surface) {
	d.stopLoopLocked(id)
	al, ok := s.(Alerter)
	if !ok {
		return
	}
	pol := reminder.Policy(level)
	d.loopSeq++
	l := &alertLoop{seq: d.loopSeq}
	d.loops[id] = l
	d.armLoopLocked(id, l, al, level, pol, 0)
}

func (d *Dispatcher) armLoopLocked(id reminder.ScheduleID, l *alertLoop, al Alerter, level int, pol reminder.Urgency, elapsed time.Duration) {
	next := elapsed + pol.Cadence
	if next >= pol.AutoDismiss {
		l.timer = d.clk.AfterFunc(pol.AutoDismiss-elapsed, func() {
			d.mu.Lock()
			if cur, ok := d.loops[id]; ok && cur.seq == l.seq {
				delete(d.loops, id)
			}
			d.mu.Unlock()
		})
		return
	}
	l.timer = d.clk.AfterFunc(pol.Cadence, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if cur, ok := d.loops[id]; !ok || cur.seq != l.seq {
			return
		}
		if err := al.Alert(context.Background(), id, level); err != nil {
			d.log.Debug("alert repeat failed", logx.Int64("schedule_id", int64(id)), logx.Err(err))
		}
		d.armLoopLocked(id, l, al, level, pol, next)
	})
}

func (d *Dispatcher) stopLoopLocked(id reminder.ScheduleID) {
	l, ok := d.loops[id]
	if !ok {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	delete(d.loops, id)
}

func (d *Dispatcher) sendOS(ctx context.Context, j osJob) {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	os := d.os
	denied := d.osDenied
	d.mu.Unlock()

	if os == nil {
		return
	}
	if denied {
		d.fallbackToUI(ctx, j.p)
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := os.Render(callCtx, j.p)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrPermissionDenied) {
			d.markDenied(err)
			d.fallbackToUI(ctx, j.p)
			return
		}
		lastErr = err
		d.log.Debug("os surface send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	// Deliver recorded the cooldown at enqueue time; nothing was shown, so the
	// next poll or recheck may try again.
	if d.cool != nil {
		d.cool.ClearKind(j.p.ScheduleID, j.p.Kind)
	}
	d.osFailed.Add(1)
	d.log.Warn("os surface delivery failed", logx.Int64("schedule_id", int64(j.p.ScheduleID)), logx.Err(lastErr))
}

func (d *Dispatcher) markDenied(err error) {
	d.mu.Lock()
	d.osDenied = true
	d.mu.Unlock()
	d.log.Warn("os surface permission denied, using in-app surface only", logx.Err(err))
}

func (d *Dispatcher) fallbackToUI(ctx context.Context, p Payload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ui == nil || !d.ui.Available() {
		d.log.Warn("no surface left for reminder", logx.Int64("schedule_id", int64(p.ScheduleID)))
		return
	}
	if err := d.ui.Render(ctx, p); err != nil {
		d.log.Warn("fallback render failed", logx.Err(err))
		return
	}
	d.startLoopLocked(p.ScheduleID, p.EscalationLevel, d.ui)
}

func (d *Dispatcher) publish(typ string, ev DeliveryEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// retryDelay is the jittered exponential delay before attempt+1.
func retryDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.RetryBase
	for i := 1; i < attempt && delay < cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, cfg.RetryMaxDelay)
	delay = time.Duration(float64(delay) * (0.7 + rand.Float64()*0.6))
	return min(delay, cfg.RetryMaxDelay)
}
