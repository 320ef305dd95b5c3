package engine

import (
	"context"
	"errors"
	"time"

	"dosealert/internal/clock"
	"dosealert/internal/dispatch"
	"dosealert/internal/reminder"
)

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	ErrNotRunning      = errors.New("engine not running")
	ErrAcknowledged    = errors.New("dose already acknowledged today")
)

const (
	DefaultGraceWindow   = 30 * time.Minute
	DefaultHorizon       = 24 * time.Hour
	DefaultRecheckAfter  = 30 * time.Minute
	DefaultMaxLevel      = 2
	DefaultSnooze        = 15 * time.Minute
	DefaultFetchTimeout  = 15 * time.Second
	midnightOverdueSlack = time.Minute
)

type Config struct {
	Location      *time.Location
	GraceWindow   time.Duration
	Horizon       time.Duration
	RecheckAfter  time.Duration
	MaxLevel      int
	DefaultSnooze time.Duration
	FetchTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.RecheckAfter <= 0 {
		c.RecheckAfter = DefaultRecheckAfter
	}
	if c.MaxLevel <= 0 {
		c.MaxLevel = DefaultMaxLevel
	}
	if c.DefaultSnooze <= 0 {
		c.DefaultSnooze = DefaultSnooze
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Delivery is the dispatcher as seen by the engine.
type Delivery interface {
	Deliver(ctx context.Context, inst reminder.Instance, src dispatch.Source) dispatch.Result
	Dismiss(ctx context.Context, id reminder.ScheduleID)
}

// Cooldown is the part of the cooldown cache the engine clears: every kind
// on "taken", the snooze kind on each new snooze.
type Cooldown interface {
	Clear(id reminder.ScheduleID)
	ClearKind(id reminder.ScheduleID, kind reminder.Kind)
}

// Outcome is the result of scheduling one dose.
type Outcome int

const (
	Ignored Outcome = iota // outside the grace window or beyond the horizon
	Armed                  // future timer armed
	Overdue                // inside the grace window; missed-dose check runs now
)

func (o Outcome) String() string {
	switch o {
	case Armed:
		return "armed"
	case Overdue:
		return "overdue"
	default:
		return "ignored"
	}
}

type timerKind string

const (
	timerDose    timerKind = "dose"
	timerSnooze  timerKind = "snooze"
	timerRecheck timerKind = "recheck"
)

type pendingTimer struct {
	kind        timerKind
	at          time.Time
	level       int
	snoozedFrom *time.Time
	seq         uint64
	handle      clock.Timer
}

type ackState string

const (
	AckTaken   ackState = "taken"
	AckSkipped ackState = "skipped"
)

// LoadedEvent is published after every successful snapshot load.
type LoadedEvent struct {
	Schedules []reminder.DoseSchedule `json:"schedules"`
	At        time.Time               `json:"at"`
}

// AckEvent is published on taken, skipped and snoozed transitions.
type AckEvent struct {
	ScheduleID reminder.ScheduleID `json:"schedule_id"`
	Action     string              `json:"action"`
	Level      int                 `json:"escalation_level,omitempty"`
	ResumeAt   time.Time           `json:"resume_at,omitempty"`
	At         time.Time           `json:"at"`
}
