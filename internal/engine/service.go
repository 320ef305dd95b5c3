// Package engine is the precise timer scheduler and escalation state machine.
//
// It owns one timer per schedule id (dose, snooze or missed-dose recheck),
// the live reminder state per id, and the midnight reload. Every timer
// callback checks its sequence number against the map under the lock, so a
// cancelled or replaced timer can never act after the cancel returns.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"dosealert/internal/backend"
	"dosealert/internal/clock"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	"dosealert/internal/storage"
	logx "dosealert/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	cfg  Config
	clk  clock.Clock
	api  backend.API
	out  Delivery
	cool Cooldown
	log  logx.Logger
	bus  eventbus.Bus
	rec  *storage.Recorder

	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	schedules map[reminder.ScheduleID]reminder.DoseSchedule
	timers    map[reminder.ScheduleID]*pendingTimer
	instances map[reminder.ScheduleID]reminder.Instance
	levels    map[reminder.ScheduleID]int
	acked     map[reminder.ScheduleID]ackState
	// gen is bumped by every acknowledge and snooze. A missed-dose check
	// captures it before its network call and aborts if it changed.
	gen map[reminder.ScheduleID]uint64
	seq uint64
	day string

	midnight     clock.Timer
	midnightSeq  uint64
	nextMidnight time.Time

	lastActivity time.Time
	lastLoadAt   time.Time
	lastLoadErr  error
}

func New(cfg Config, clk clock.Clock, api backend.API, out Delivery, cool Cooldown, log logx.Logger, bus eventbus.Bus, rec *storage.Recorder) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		clk:       clk,
		api:       api,
		out:       out,
		cool:      cool,
		log:       log,
		bus:       bus,
		rec:       rec,
		schedules: map[reminder.ScheduleID]reminder.DoseSchedule{},
		timers:    map[reminder.ScheduleID]*pendingTimer{},
		instances: map[reminder.ScheduleID]reminder.Instance{},
		levels:    map[reminder.ScheduleID]int{},
		acked:     map[reminder.ScheduleID]ackState{},
		gen:       map[reminder.ScheduleID]uint64{},
	}
}

// Apply updates timings. Armed timers keep their fire times.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start arms the midnight reload and loads today's snapshot. Calling Start on
// a healthy engine is a no-op; calling it on a started engine whose midnight
// timer is overdue (host suspended timers) reinitializes it.
//
// A load failure is returned for logging only: the engine stays running and
// the previous timer set is kept.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.clk.Now()

	s.mu.Lock()
	if s.started && s.healthyLocked(now) {
		s.mu.Unlock()
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	reinit := s.started
	s.started = true
	s.lastActivity = now
	s.armMidnightLocked(now)
	s.mu.Unlock()

	if reinit {
		s.log.Warn("engine reinitializing, midnight timer was overdue")
	} else {
		s.log.Info("engine started", logx.String("timezone", s.location().String()))
	}
	return s.load(runCtx, true)
}

// Stop cancels every timer and in-flight check. It does not block; a ctx
// that is already done is only noted in the log.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for id := range s.timers {
		s.cancelLocked(id)
	}
	if s.midnight != nil {
		s.midnight.Stop()
		s.midnight = nil
	}
	s.mu.Unlock()
	if ctx != nil && ctx.Err() != nil {
		s.log.Warn("engine stopped after shutdown deadline", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("engine stopped")
}

// Status returns the scheduler snapshot. Running is false when the engine was
// never started, was stopped, or its midnight timer did not fire on time.
func (s *Service) Status() reminder.Status {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	st := reminder.Status{
		Running:       s.started && s.healthyLocked(now),
		ActiveTimers:  len(s.timers),
		LastActivity:  s.lastActivity,
		Schedules:     len(s.schedules),
		LiveReminders: len(s.instances),
		LastLoadAt:    s.lastLoadAt,
		NextMidnight:  s.nextMidnight,
	}
	if s.lastLoadErr != nil {
		st.LastLoadError = s.lastLoadErr.Error()
	}
	for id, p := range s.timers {
		st.Timers = append(st.Timers, reminder.TimerInfo{ScheduleID: id, Kind: string(p.kind), FireAt: p.at, Level: p.level})
	}
	sort.Slice(st.Timers, func(i, j int) bool { return st.Timers[i].FireAt.Before(st.Timers[j].FireAt) })
	return st
}

// Schedule returns the dose details from the last snapshot.
func (s *Service) Schedule(id reminder.ScheduleID) (reminder.DoseSchedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[id]
	return d, ok
}

// Schedules returns the last snapshot ordered by time of day.
func (s *Service) Schedules() []reminder.DoseSchedule {
	s.mu.Lock()
	out := make([]reminder.DoseSchedule, 0, len(s.schedules))
	for _, d := range s.schedules {
		out = append(out, d)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Instance returns the live reminder for id, if any.
func (s *Service) Instance(id reminder.ScheduleID) (reminder.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// Acknowledged reports today's acknowledgment for id ("taken", "skipped" or "").
func (s *Service) Acknowledged(id reminder.ScheduleID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.acked[id])
}

func (s *Service) healthyLocked(now time.Time) bool {
	if s.midnight == nil {
		return false
	}
	return now.Before(s.nextMidnight.Add(midnightOverdueSlack))
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Location
}

func (s *Service) publish(typ string, data any, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}
