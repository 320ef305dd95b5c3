package cooldown

import (
	"testing"
	"time"

	"dosealert/internal/clock"
	"dosealert/internal/reminder"
)

func newTestCache(t *testing.T) (*Cache, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return New(clk, 5*time.Minute, 0), clk
}

func TestCacheSuppressesWithinWindow(t *testing.T) {
	c, clk := newTestCache(t)

	if !c.ShouldDeliver(7, reminder.KindDose) {
		t.Fatal("empty cache should allow delivery")
	}
	c.RecordDelivered(7, reminder.KindDose)
	if c.ShouldDeliver(7, reminder.KindDose) {
		t.Fatal("delivery inside the window should be suppressed")
	}
	if !c.ShouldDeliver(7, reminder.KindMissed) {
		t.Fatal("another kind must not be suppressed")
	}
	if !c.ShouldDeliver(8, reminder.KindDose) {
		t.Fatal("another schedule must not be suppressed")
	}

	clk.Advance(4*time.Minute + 59*time.Second)
	if c.ShouldDeliver(7, reminder.KindDose) {
		t.Fatal("still inside the window")
	}
	clk.Advance(time.Second)
	if c.Len() != 0 {
		t.Fatalf("entry should have expired itself, len=%d", c.Len())
	}
	if !c.ShouldDeliver(7, reminder.KindDose) {
		t.Fatal("window elapsed, delivery should be allowed")
	}
}

func TestCacheOverwriteExtendsWindow(t *testing.T) {
	c, clk := newTestCache(t)
	c.RecordDelivered(7, reminder.KindDose)
	clk.Advance(3 * time.Minute)
	c.RecordDelivered(7, reminder.KindDose)
	clk.Advance(3 * time.Minute)

	// The first expiry timer must not remove the overwritten entry.
	if c.ShouldDeliver(7, reminder.KindDose) {
		t.Fatal("overwritten entry expired early")
	}
	if at, ok := c.LastShown(7, reminder.KindDose); !ok || !at.Equal(clk.Now().Add(-3*time.Minute)) {
		t.Fatalf("LastShown = %v, %v", at, ok)
	}
}

func TestCacheClearRemovesAllKinds(t *testing.T) {
	c, _ := newTestCache(t)
	c.RecordDelivered(7, reminder.KindDose)
	c.RecordDelivered(7, reminder.KindMissed)
	c.RecordDelivered(9, reminder.KindDose)

	c.Clear(7)
	c.Clear(7)

	if !c.ShouldDeliver(7, reminder.KindDose) || !c.ShouldDeliver(7, reminder.KindMissed) {
		t.Fatal("clear should unblock schedule 7")
	}
	if c.ShouldDeliver(9, reminder.KindDose) {
		t.Fatal("clear must not touch other schedules")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestCacheClearKindKeepsOtherKinds(t *testing.T) {
	c, _ := newTestCache(t)
	c.RecordDelivered(7, reminder.KindDose)
	c.RecordDelivered(7, reminder.KindSnooze)

	c.ClearKind(7, reminder.KindSnooze)
	c.ClearKind(7, reminder.KindSnooze)

	if !c.ShouldDeliver(7, reminder.KindSnooze) {
		t.Fatal("cleared kind should deliver again")
	}
	if c.ShouldDeliver(7, reminder.KindDose) {
		t.Fatal("other kinds of the schedule must stay suppressed")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestCacheCapEvictsOldest(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	c := New(clk, time.Hour, 2)

	c.RecordDelivered(1, reminder.KindDose)
	clk.Advance(time.Second)
	c.RecordDelivered(2, reminder.KindDose)
	clk.Advance(time.Second)
	c.RecordDelivered(3, reminder.KindDose)

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if !c.ShouldDeliver(1, reminder.KindDose) {
		t.Fatal("oldest entry should have been evicted")
	}
	if c.ShouldDeliver(3, reminder.KindDose) {
		t.Fatal("newest entry should be kept")
	}
}
