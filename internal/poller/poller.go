// Package poller is the coarse delivery path. On a fixed interval it asks the
// backend for unread reminder notifications and routes each one through the
// same dispatcher as the precise timers, so the cooldown cache decides which
// path wins.
package poller

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"dosealert/internal/backend"
	"dosealert/internal/clock"
	"dosealert/internal/dispatch"
	"dosealert/internal/reminder"
	logx "dosealert/pkg/logx"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultLimit    = 20
	requestTimeout  = 15 * time.Second
)

type Config struct {
	Interval time.Duration
	Limit    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	return c
}

// Deliverer is the dispatcher as seen by the poller.
type Deliverer interface {
	Deliver(ctx context.Context, inst reminder.Instance, src dispatch.Source) dispatch.Result
}

// Snapshot exposes the engine's view of today's doses.
type Snapshot interface {
	Schedule(id reminder.ScheduleID) (reminder.DoseSchedule, bool)
	Acknowledged(id reminder.ScheduleID) string
}

type Stats struct {
	Polls      uint64    `json:"polls"`
	Errors     uint64    `json:"errors"`
	Delivered  uint64    `json:"delivered"`
	Suppressed uint64    `json:"suppressed"`
	Watermark  int64     `json:"watermark"`
	LastPollAt time.Time `json:"last_poll_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

type Poller struct {
	clk  clock.Clock
	api  backend.API
	out  Deliverer
	snap Snapshot
	log  logx.Logger

	mu        sync.Mutex
	cfg       Config
	watermark int64
	stats     Stats
	wake      chan struct{}
}

func New(cfg Config, clk clock.Clock, api backend.API, out Deliverer, snap Snapshot, log logx.Logger) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		clk:  clk,
		api:  api,
		out:  out,
		snap: snap,
		log:  log,
		cfg:  cfg.withDefaults(),
		wake: make(chan struct{}, 1),
	}
}

// Apply changes the interval and page size. The next wait uses the new
// interval.
func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	changed := p.cfg.Interval != cfg.withDefaults().Interval
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	if changed {
		p.kick()
	}
}

// Run polls once immediately and then every interval until ctx is done.
// Poll failures are logged and never end the loop.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("poll failed", logx.Err(err))
		}

		p.mu.Lock()
		interval := p.cfg.Interval
		p.mu.Unlock()
		t := p.clk.AfterFunc(interval, p.kick)

		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-p.wake:
			t.Stop()
		}
	}
}

func (p *Poller) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Poll fetches unread notifications once and delivers the reminder ones
// newer than the watermark, oldest first. It returns the number delivered.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	limit := p.cfg.Limit
	mark := p.watermark
	p.stats.Polls++
	p.stats.LastPollAt = p.clk.Now()
	p.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, requestTimeout)
	list, err := p.api.RecentNotifications(fctx, backend.NotificationQuery{Limit: limit, UnreadOnly: true})
	cancel()
	if err != nil {
		p.mu.Lock()
		p.stats.Errors++
		p.stats.LastError = err.Error()
		p.mu.Unlock()
		return 0, err
	}

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	delivered, suppressed := 0, 0
	var read []int64
	for _, n := range list {
		if n.ID <= mark {
			continue
		}
		inst, ok := p.instanceFor(n)
		if !ok {
			mark = n.ID
			continue
		}
		res := p.out.Deliver(ctx, inst, dispatch.SourcePoller)
		if errors.Is(res.Err, dispatch.ErrNoSurface) {
			// Retried on the next tick once a surface shows up.
			break
		}
		if res.Err != nil {
			p.log.Warn("poll delivery failed", logx.Int64("notification_id", n.ID), logx.Err(res.Err))
		}
		switch {
		case res.Delivered:
			delivered++
		case res.Suppressed:
			suppressed++
		}
		mark = n.ID
		read = append(read, n.ID)
	}

	p.mu.Lock()
	if mark > p.watermark {
		p.watermark = mark
	}
	p.stats.Watermark = p.watermark
	p.stats.Delivered += uint64(delivered)
	p.stats.Suppressed += uint64(suppressed)
	p.stats.LastError = ""
	p.mu.Unlock()

	for _, id := range read {
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		if err := p.api.MarkNotificationRead(rctx, id); err != nil {
			p.log.Debug("mark notification read failed", logx.Int64("notification_id", id), logx.Err(err))
		}
		cancel()
	}
	if delivered > 0 || suppressed > 0 {
		p.log.Debug("poll processed", logx.Int("delivered", delivered), logx.Int("suppressed", suppressed), logx.Int64("watermark", mark))
	}
	return delivered, nil
}

// instanceFor maps a backend notification to a reminder instance. Types that
// are not reminders, reminders without a schedule, and doses already
// acknowledged today are skipped.
func (p *Poller) instanceFor(n backend.Notification) (reminder.Instance, bool) {
	kind, ok := kindOf(n.Type)
	if !ok || n.ScheduleID == nil {
		return reminder.Instance{}, false
	}
	id := *n.ScheduleID

	dose := reminder.DoseSchedule{ID: id, MedicationName: n.Title}
	if p.snap != nil {
		if p.snap.Acknowledged(id) != "" {
			return reminder.Instance{}, false
		}
		if d, known := p.snap.Schedule(id); known {
			dose = d
		}
	}
	inst := reminder.NewInstance(dose, kind, 0, p.clk.Now(), nil)
	if msg := strings.TrimSpace(n.Message); msg != "" {
		inst.Message = msg
	}
	return inst, true
}

func kindOf(typ string) (reminder.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "medication_reminder", "reminder", "dose_reminder":
		return reminder.KindDose, true
	case "missed_dose", "overdue", "missed":
		return reminder.KindMissed, true
	default:
		return "", false
	}
}

func (p *Poller) Watermark() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermark
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
