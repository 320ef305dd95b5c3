package engine

import (
	"context"
	"fmt"
	"time"

	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	"dosealert/internal/storage"
	logx "dosealert/pkg/logx"
)

// LoadToday fetches today's schedules and replaces the pending timer set.
//
// On fetch failure the previous timers are kept and the error is recorded in
// Status; the returned error is informational. Pending snooze and recheck
// timers for schedules still present survive the reload, so an escalation in
// progress is not restarted.
func (s *Service) LoadToday(ctx context.Context) error {
	return s.load(ctx, true)
}

func (s *Service) load(ctx context.Context, keepEscalation bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	timeout := s.cfg.FetchTimeout
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, timeout)
	list, err := s.api.TodaySchedules(fctx)
	cancel()

	now := s.clk.Now()
	if err != nil {
		s.mu.Lock()
		s.lastLoadErr = err
		kept := len(s.timers)
		s.mu.Unlock()
		s.log.Warn("schedule load failed, keeping previous timers", logx.Err(err), logx.Int("timers", kept))
		s.rec.Record(storage.Event{At: now, Type: storage.EventLoadFailed, Detail: err.Error()})
		return fmt.Errorf("load today: %w", err)
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	loc := s.cfg.Location
	today := now.In(loc)
	if s.rollDayLocked(today) {
		keepEscalation = false
	}

	due := make([]reminder.DoseSchedule, 0, len(list))
	all := make(map[reminder.ScheduleID]reminder.DoseSchedule, len(list))
	for _, d := range list {
		all[d.ID] = d
		rec, perr := reminder.ParseRecurrence(d.Frequency)
		if perr != nil {
			s.log.Warn("unknown frequency, treating as daily", logx.Int64("schedule_id", int64(d.ID)), logx.String("frequency", d.Frequency))
		} else if !rec.DueOn(today) {
			continue
		}
		due = append(due, d)
	}

	// Replace the timer set in one critical section.
	for id, p := range s.timers {
		if keepEscalation && p.kind != timerDose {
			if _, still := all[id]; still {
				continue
			}
		}
		s.cancelLocked(id)
	}
	s.schedules = all

	var overdue []reminder.ScheduleID
	armed := 0
	for _, d := range due {
		if _, acked := s.acked[d.ID]; acked {
			continue
		}
		if _, pending := s.timers[d.ID]; pending {
			continue
		}
		switch s.scheduleOneLocked(d, now) {
		case Armed:
			armed++
		case Overdue:
			overdue = append(overdue, d.ID)
		}
	}
	s.lastLoadAt = now
	s.lastLoadErr = nil
	s.lastActivity = now
	runCtx := s.ctx
	s.mu.Unlock()

	s.log.Info("schedules loaded",
		logx.Int("fetched", len(list)),
		logx.Int("due", len(due)),
		logx.Int("armed", armed),
		logx.Int("overdue", len(overdue)),
	)
	s.publish(eventbus.SchedulesLoaded, LoadedEvent{Schedules: due, At: now}, now)

	for _, id := range overdue {
		s.missedCheck(runCtx, id, 0)
	}
	return nil
}

// ScheduleOne arms a timer for dose relative to ref. Inside the grace window
// it runs the missed-dose check immediately instead.
func (s *Service) ScheduleOne(ctx context.Context, dose reminder.DoseSchedule, ref time.Time) (Outcome, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Ignored, ErrNotRunning
	}
	if _, err := reminder.ParseTimeOfDay(dose.Time); err != nil {
		s.mu.Unlock()
		return Ignored, err
	}
	s.schedules[dose.ID] = dose
	out := s.scheduleOneLocked(dose, ref)
	runCtx := s.ctx
	s.mu.Unlock()

	if out == Overdue {
		if ctx == nil {
			ctx = runCtx
		}
		s.missedCheck(ctx, dose.ID, 0)
	}
	return out, nil
}

func (s *Service) scheduleOneLocked(dose reminder.DoseSchedule, ref time.Time) Outcome {
	at, err := dose.FireTime(ref, s.cfg.Location)
	if err != nil {
		s.log.Warn("invalid dose time, skipped", logx.Int64("schedule_id", int64(dose.ID)), logx.String("time", dose.Time), logx.Err(err))
		return Ignored
	}
	delay := at.Sub(ref)
	switch {
	case delay > 0 && delay <= s.cfg.Horizon:
		s.armLocked(dose.ID, &pendingTimer{kind: timerDose, at: at})
		return Armed
	case delay <= 0 && delay > -s.cfg.GraceWindow:
		s.cancelLocked(dose.ID)
		return Overdue
	default:
		return Ignored
	}
}

// Cancel removes the timer for id. It is idempotent.
func (s *Service) Cancel(id reminder.ScheduleID) {
	s.mu.Lock()
	s.cancelLocked(id)
	s.mu.Unlock()
}

// armLocked replaces any timer for id with p.
func (s *Service) armLocked(id reminder.ScheduleID, p *pendingTimer) {
	s.cancelLocked(id)
	s.seq++
	p.seq = s.seq
	seq := p.seq
	p.handle = s.clk.AfterFunc(p.at.Sub(s.clk.Now()), func() { s.fire(id, seq) })
	s.timers[id] = p
}

func (s *Service) cancelLocked(id reminder.ScheduleID) {
	p, ok := s.timers[id]
	if !ok {
		return
	}
	if p.handle != nil {
		p.handle.Stop()
	}
	delete(s.timers, id)
}

func (s *Service) armMidnightLocked(now time.Time) {
	if s.midnight != nil {
		s.midnight.Stop()
	}
	next := reminder.NextMidnight(now, s.cfg.Location)
	s.midnightSeq++
	seq := s.midnightSeq
	s.nextMidnight = next
	s.midnight = s.clk.AfterFunc(next.Sub(now), func() { s.onMidnight(seq) })
}

// onMidnight re-arms itself for the next day and reloads the snapshot.
func (s *Service) onMidnight(seq uint64) {
	now := s.clk.Now()
	s.mu.Lock()
	if !s.started || seq != s.midnightSeq {
		s.mu.Unlock()
		return
	}
	s.armMidnightLocked(now)
	s.rollDayLocked(now.In(s.cfg.Location))
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Info("midnight reload")
	_ = s.load(ctx, false)
}

// rollDayLocked forgets per-day reminder state when the local date changes.
// It reports whether a previous day was rolled over.
func (s *Service) rollDayLocked(today time.Time) bool {
	key := today.Format(time.DateOnly)
	if s.day == key {
		return false
	}
	rolled := s.day != ""
	if rolled {
		for id := range s.gen {
			s.gen[id]++
		}
		s.acked = map[reminder.ScheduleID]ackState{}
		s.levels = map[reminder.ScheduleID]int{}
		s.instances = map[reminder.ScheduleID]reminder.Instance{}
	}
	s.day = key
	return rolled
}
