package reminder

import (
	"strings"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{in: "08:00", want: TimeOfDay{Hour: 8}},
		{in: " 21:45 ", want: TimeOfDay{Hour: 21, Minute: 45}},
		{in: "07:05:30", want: TimeOfDay{Hour: 7, Minute: 5, Second: 30}},
		{in: "24:00", wantErr: true},
		{in: "8", wantErr: true},
		{in: "aa:10", wantErr: true},
		{in: "10:60", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestFireTimeUsesLocalDate(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	// 2026-03-01 20:00 UTC is already 03:00 on March 2nd in loc.
	ref := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	d := DoseSchedule{ID: 1, Time: "08:00"}
	got, err := d.FireTime(ref, loc)
	if err != nil {
		t.Fatalf("FireTime: %v", err)
	}
	want := time.Date(2026, 3, 2, 8, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRecurrenceDueOn(t *testing.T) {
	// 2026-03-02 is a Monday.
	mon := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	sat := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		freq     string
		mon, sat bool
	}{
		{freq: "", mon: true, sat: true},
		{freq: "daily", mon: true, sat: true},
		{freq: "twice_daily", mon: true, sat: true},
		{freq: "as_needed", mon: false, sat: false},
		{freq: "PRN", mon: false, sat: false},
		{freq: "weekdays", mon: true, sat: false},
		{freq: "weekends", mon: false, sat: true},
		{freq: "mon,wed,fri", mon: true, sat: false},
		{freq: "sat", mon: false, sat: true},
		{freq: "cron:0 8 * * 6", mon: false, sat: true},
		{freq: "cron:0 8 1 * *", mon: false, sat: false},
	}
	for _, tc := range cases {
		t.Run(tc.freq, func(t *testing.T) {
			r, err := ParseRecurrence(tc.freq)
			if err != nil {
				t.Fatalf("ParseRecurrence(%q): %v", tc.freq, err)
			}
			if got := r.DueOn(mon); got != tc.mon {
				t.Fatalf("monday: got %v, want %v", got, tc.mon)
			}
			if got := r.DueOn(sat); got != tc.sat {
				t.Fatalf("saturday: got %v, want %v", got, tc.sat)
			}
		})
	}
}

func TestParseRecurrenceRejectsGarbage(t *testing.T) {
	for _, in := range []string{"every blue moon", "cron:not a cron", "mon,funday"} {
		if _, err := ParseRecurrence(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestNextMidnight(t *testing.T) {
	loc := time.FixedZone("X", -5*3600)
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, loc)
	got := NextMidnight(now, loc)
	want := time.Date(2026, 3, 2, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if next := NextMidnight(want, loc); !next.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("at midnight: got %v", next)
	}
}

func TestPolicyLevels(t *testing.T) {
	cases := []struct {
		level       int
		name        string
		cadence     time.Duration
		autoDismiss time.Duration
		interact    bool
	}{
		{-1, UrgencyNormal, 10 * time.Second, 30 * time.Second, false},
		{0, UrgencyNormal, 10 * time.Second, 30 * time.Second, false},
		{1, UrgencyUrgent, 8 * time.Second, 60 * time.Second, true},
		{2, UrgencyCritical, 5 * time.Second, 60 * time.Second, true},
		{5, UrgencyCritical, 5 * time.Second, 60 * time.Second, true},
	}
	for _, tc := range cases {
		p := Policy(tc.level)
		if p.Name != tc.name || p.Cadence != tc.cadence || p.AutoDismiss != tc.autoDismiss || p.RequireInteraction != tc.interact {
			t.Fatalf("level %d: got %+v", tc.level, p)
		}
	}
}

func TestNewInstanceMessages(t *testing.T) {
	dose := DoseSchedule{ID: 7, MedicationName: "Metformin", Dosage: "500mg", Time: "08:00"}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	n := NewInstance(dose, KindDose, 0, now, nil)
	if n.ID == "" || n.Urgent || !strings.HasPrefix(n.Message, "Time to take Metformin (500mg)") {
		t.Fatalf("normal instance: %+v", n)
	}

	o := NewInstance(dose, KindMissed, 0, now, nil)
	if !strings.HasPrefix(o.Message, "Overdue:") {
		t.Fatalf("overdue message: %q", o.Message)
	}

	from := now.Add(time.Minute)
	s := NewInstance(dose, KindSnooze, 1, now, &from)
	if !s.Urgent || s.SnoozedFrom == nil || !s.SnoozedFrom.Equal(from) {
		t.Fatalf("snoozed instance: %+v", s)
	}
	if !strings.HasPrefix(s.Message, "Snoozed reminder:") {
		t.Fatalf("snoozed message: %q", s.Message)
	}

	c := NewInstance(dose, KindMissed, 2, now, nil)
	if !strings.HasPrefix(c.Message, "Critical:") {
		t.Fatalf("critical message: %q", c.Message)
	}
}
