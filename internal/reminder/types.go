package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleID identifies a dose schedule in the external schedule store.
type ScheduleID int64

func (id ScheduleID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseScheduleID parses a decimal schedule id.
func ParseScheduleID(s string) (ScheduleID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid schedule id %q", s)
	}
	return ScheduleID(v), nil
}

// DoseSchedule is the external schedule entity as returned by the backend's
// today-schedules endpoint. It is read-only here and refreshed on every load.
type DoseSchedule struct {
	ID             ScheduleID `json:"id"`
	MedicationName string     `json:"medication_name"`
	Dosage         string     `json:"dosage"`
	Time           string     `json:"time"`      // local time of day, "HH:MM" or "HH:MM:SS"
	Frequency      string     `json:"frequency"` // recurrence rule, see ParseRecurrence
}

// FireTime returns the scheduled instant of the dose on ref's local date.
func (d DoseSchedule) FireTime(ref time.Time, loc *time.Location) (time.Time, error) {
	tod, err := ParseTimeOfDay(d.Time)
	if err != nil {
		return time.Time{}, err
	}
	return tod.On(ref, loc), nil
}

// TimeOfDay is a local wall-clock time without a date.
type TimeOfDay struct {
	Hour, Minute, Second int
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return TimeOfDay{}, fmt.Errorf("invalid second in %q", s)
		}
	}
	return TimeOfDay{Hour: h, Minute: m, Second: sec}, nil
}

// On places the time of day on ref's calendar date in loc.
func (t TimeOfDay) On(ref time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	r := ref.In(loc)
	return time.Date(r.Year(), r.Month(), r.Day(), t.Hour, t.Minute, t.Second, 0, loc)
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Kind distinguishes reminders for cooldown purposes. Deliveries of the same
// schedule and kind inside the cooldown window are suppressed.
type Kind string

const (
	KindDose   Kind = "dose"
	KindMissed Kind = "missed"
	KindSnooze Kind = "snooze"
)

// Instance is one live, user-facing occurrence of a reminder.
type Instance struct {
	ID         string     `json:"id"`
	ScheduleID ScheduleID `json:"schedule_id"`
	Kind       Kind       `json:"kind"`
	Level      int        `json:"escalation_level"`
	Urgent     bool       `json:"urgent"`
	Message    string     `json:"message"`
	OriginAt   time.Time  `json:"origin_at"`
	// SnoozedFrom is set when the instance resumes a snoozed reminder.
	SnoozedFrom *time.Time `json:"snoozed_from,omitempty"`

	MedicationName string `json:"medication_name"`
	Dosage         string `json:"dosage"`
	Time           string `json:"time"`
}

// Status is the derived, read-only scheduler snapshot used by the watchdog.
type Status struct {
	Running      bool      `json:"running"`
	ActiveTimers int       `json:"active_timers"`
	LastActivity time.Time `json:"last_activity"`

	Schedules     int         `json:"schedules"`
	LiveReminders int         `json:"live_reminders"`
	LastLoadAt    time.Time   `json:"last_load_at"`
	LastLoadError string      `json:"last_load_error,omitempty"`
	NextMidnight  time.Time   `json:"next_midnight"`
	Timers        []TimerInfo `json:"timers,omitempty"`
}

// TimerInfo describes one pending timer.
type TimerInfo struct {
	ScheduleID ScheduleID `json:"schedule_id"`
	Kind       string     `json:"kind"`
	FireAt     time.Time  `json:"fire_at"`
	Level      int        `json:"escalation_level"`
}
