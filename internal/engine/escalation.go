package engine

import (
	"context"
	"time"

	"dosealert/internal/dispatch"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	"dosealert/internal/storage"
	logx "dosealert/pkg/logx"
)

// fire runs when a timer elapses. Stale callbacks (cancelled or replaced
// timers) find a different seq in the map and return.
func (s *Service) fire(id reminder.ScheduleID, seq uint64) {
	now := s.clk.Now()
	s.mu.Lock()
	p, ok := s.timers[id]
	if !ok || p.seq != seq || !s.started {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.lastActivity = now
	ctx := s.ctx

	switch p.kind {
	case timerRecheck:
		level := p.level
		s.mu.Unlock()
		s.missedCheck(ctx, id, level)
		return

	case timerDose, timerSnooze:
		dose, known := s.schedules[id]
		if _, acked := s.acked[id]; acked || !known {
			s.mu.Unlock()
			return
		}
		kind := reminder.KindDose
		if p.kind == timerSnooze {
			kind = reminder.KindSnooze
		}
		inst := reminder.NewInstance(dose, kind, p.level, now, p.snoozedFrom)
		s.instances[id] = inst
		s.levels[id] = inst.Level
		s.armRecheckLocked(id, now, inst.Level)
		s.deliverLocked(ctx, inst)
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// missedCheck verifies the dose is still outstanding and, if so, delivers a
// missed reminder at level and arms the next recheck.
func (s *Service) missedCheck(ctx context.Context, id reminder.ScheduleID, level int) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if _, acked := s.acked[id]; acked {
		s.mu.Unlock()
		return
	}
	dose, known := s.schedules[id]
	gen := s.gen[id]
	timeout := s.cfg.FetchTimeout
	s.mu.Unlock()
	if !known {
		return
	}

	taken := false
	fctx, cancel := context.WithTimeout(ctx, timeout)
	adh, err := s.api.TodayAdherence(fctx, id)
	cancel()
	switch {
	case err != nil:
		// Unknown adherence: remind anyway, the user can still acknowledge.
		s.log.Warn("adherence check failed", logx.Int64("schedule_id", int64(id)), logx.Err(err))
	case adh != nil && adh.Taken:
		taken = true
	}

	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	// Acknowledgment (or a snooze) during the network call wins.
	if !s.started || s.gen[id] != gen {
		return
	}
	if _, acked := s.acked[id]; acked {
		return
	}
	if taken {
		s.acked[id] = AckTaken
		s.cancelLocked(id)
		delete(s.instances, id)
		s.log.Debug("dose already taken", logx.Int64("schedule_id", int64(id)))
		return
	}

	if cur, ok := s.levels[id]; ok && cur > level {
		level = cur
	}
	inst := reminder.NewInstance(dose, reminder.KindMissed, level, now, nil)
	s.instances[id] = inst
	s.levels[id] = level
	s.lastActivity = now
	s.armRecheckLocked(id, now, level)
	if level > 0 {
		s.rec.Record(storage.Event{At: now, Type: storage.EventEscalated, ScheduleID: int64(id), Kind: string(inst.Kind), Level: level})
	}
	s.deliverLocked(ctx, inst)
}

// armRecheckLocked arms the next missed-dose recheck one level up, unless
// level already reached the maximum.
func (s *Service) armRecheckLocked(id reminder.ScheduleID, now time.Time, level int) {
	if level >= s.cfg.MaxLevel {
		s.cancelLocked(id)
		return
	}
	s.armLocked(id, &pendingTimer{kind: timerRecheck, at: now.Add(s.cfg.RecheckAfter), level: level + 1})
}

// deliverLocked hands inst to the dispatcher while s.mu is held, so an
// acknowledgment cannot slip between the state check and the render.
func (s *Service) deliverLocked(ctx context.Context, inst reminder.Instance) {
	if s.out == nil {
		return
	}
	res := s.out.Deliver(ctx, inst, dispatch.SourceScheduler)
	if res.Err != nil {
		s.log.Warn("reminder delivery failed", logx.Int64("schedule_id", int64(inst.ScheduleID)), logx.Err(res.Err))
	}
}

// AcknowledgeTaken marks the dose taken: cancels any timer, dismisses the
// reminder and clears its cooldown entries.
func (s *Service) AcknowledgeTaken(ctx context.Context, id reminder.ScheduleID) error {
	return s.acknowledge(ctx, id, AckTaken)
}

// AcknowledgeSkipped marks the dose skipped. Cooldown entries are kept.
func (s *Service) AcknowledgeSkipped(ctx context.Context, id reminder.ScheduleID) error {
	return s.acknowledge(ctx, id, AckSkipped)
}

func (s *Service) acknowledge(ctx context.Context, id reminder.ScheduleID, state ackState) error {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acked[id] = state
	s.gen[id]++
	s.cancelLocked(id)
	level := s.levels[id]
	delete(s.instances, id)
	delete(s.levels, id)
	s.lastActivity = now
	if state == AckTaken && s.cool != nil {
		s.cool.Clear(id)
	}
	if s.out != nil {
		s.out.Dismiss(ctx, id)
	}

	typ := storage.EventTaken
	if state == AckSkipped {
		typ = storage.EventSkipped
	}
	s.rec.Record(storage.Event{At: now, Type: typ, ScheduleID: int64(id), Level: level})
	s.publish(eventbus.ReminderAcked, AckEvent{ScheduleID: id, Action: string(state), Level: level, At: now}, now)
	if _, known := s.schedules[id]; !known {
		s.log.Debug("acknowledged schedule not in today's snapshot", logx.Int64("schedule_id", int64(id)))
	}
	s.log.Info("dose acknowledged", logx.Int64("schedule_id", int64(id)), logx.String("action", string(state)), logx.Int("level", level))
	return nil
}

// Snooze dismisses the live reminder and re-arms it at now+d one escalation
// level higher. A snooze pending from earlier is replaced. d <= 0 uses the
// configured default. It returns the resume time.
func (s *Service) Snooze(ctx context.Context, id reminder.ScheduleID, d time.Duration) (time.Time, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return time.Time{}, ErrNotRunning
	}
	if _, known := s.schedules[id]; !known {
		return time.Time{}, ErrUnknownSchedule
	}
	if _, acked := s.acked[id]; acked {
		return time.Time{}, ErrAcknowledged
	}
	if d <= 0 {
		d = s.cfg.DefaultSnooze
	}

	level := s.levels[id] + 1
	s.levels[id] = level
	s.gen[id]++
	s.cancelLocked(id)
	if s.out != nil {
		s.out.Dismiss(ctx, id)
	}
	// The user has seen the last resumed reminder; the next resume must not
	// be suppressed by its cooldown entry.
	if s.cool != nil {
		s.cool.ClearKind(id, reminder.KindSnooze)
	}

	from := now
	resume := now.Add(d)
	s.armLocked(id, &pendingTimer{kind: timerSnooze, at: resume, level: level, snoozedFrom: &from})
	s.lastActivity = now

	s.rec.Record(storage.Event{At: now, Type: storage.EventSnoozed, ScheduleID: int64(id), Level: level, Detail: d.String()})
	s.publish(eventbus.ReminderSnoozed, AckEvent{ScheduleID: id, Action: "snoozed", Level: level, ResumeAt: resume, At: now}, now)
	s.log.Info("reminder snoozed", logx.Int64("schedule_id", int64(id)), logx.Duration("for", d), logx.Int("level", level))
	return resume, nil
}
