package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Recurrence decides whether a schedule reminds on a given local day.
type Recurrence struct {
	never bool
	days  map[time.Weekday]bool // nil means every day
	cron  cron.Schedule
	raw   string
}

// ParseRecurrence parses a schedule frequency.
//
// Accepted forms:
//   - "", "daily" and the "*_daily" variants: every day
//   - "as_needed", "prn": never reminds
//   - "weekdays", "weekends"
//   - comma separated day names: "mon,wed,fri"
//   - "cron:<expr>": due on days where the cron expression fires
func ParseRecurrence(raw string) (Recurrence, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	r := Recurrence{raw: raw}
	switch {
	case s == "" || s == "daily" || strings.HasSuffix(s, "_daily") || s == "every_day":
		return r, nil
	case s == "as_needed" || s == "prn":
		r.never = true
		return r, nil
	case s == "weekdays":
		r.days = dayset(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
		return r, nil
	case s == "weekends":
		r.days = dayset(time.Saturday, time.Sunday)
		return r, nil
	case strings.HasPrefix(s, "cron:"):
		expr := strings.TrimSpace(raw[strings.Index(strings.ToLower(raw), "cron:")+len("cron:"):])
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return Recurrence{}, fmt.Errorf("invalid cron frequency %q: %w", expr, err)
		}
		r.cron = sched
		return r, nil
	}

	days := map[time.Weekday]bool{}
	for _, part := range strings.Split(s, ",") {
		wd, ok := weekdayNames[strings.TrimSpace(part)]
		if !ok {
			return Recurrence{}, fmt.Errorf("unknown frequency %q", raw)
		}
		days[wd] = true
	}
	r.days = days
	return r, nil
}

// DueOn reports whether the rule reminds on day's local date (in day's location).
func (r Recurrence) DueOn(day time.Time) bool {
	if r.never {
		return false
	}
	if r.cron != nil {
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
		next := r.cron.Next(start.Add(-time.Nanosecond))
		if next.IsZero() {
			return false
		}
		return next.Before(start.AddDate(0, 0, 1))
	}
	if r.days == nil {
		return true
	}
	return r.days[day.Weekday()]
}

func (r Recurrence) String() string { return r.raw }

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func dayset(days ...time.Weekday) map[time.Weekday]bool {
	m := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		m[d] = true
	}
	return m
}

// NextMidnight returns the next local midnight strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	sched, _ := cronParser.Parse("@midnight")
	return sched.Next(now.In(loc))
}
