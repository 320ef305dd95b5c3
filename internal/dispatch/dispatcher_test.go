package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dosealert/internal/clock"
	"dosealert/internal/cooldown"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	logx "dosealert/pkg/logx"

	"github.com/stretchr/testify/require"
)

// fakeSurface records every call made to it.
type fakeSurface struct {
	name string

	mu        sync.Mutex
	available bool
	err       error
	renders   []Payload
	alerts    []int
	dismissed []reminder.ScheduleID
}

func newFake(name string, available bool) *fakeSurface {
	return &fakeSurface{name: name, available: available}
}

func (f *fakeSurface) Name() string { return f.name }

func (f *fakeSurface) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeSurface) setAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

func (f *fakeSurface) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSurface) Render(_ context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.renders = append(f.renders, p)
	return nil
}

func (f *fakeSurface) Alert(_ context.Context, _ reminder.ScheduleID, level int) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, level)
	f.mu.Unlock()
	return nil
}

func (f *fakeSurface) Dismiss(_ context.Context, id reminder.ScheduleID) error {
	f.mu.Lock()
	f.dismissed = append(f.dismissed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeSurface) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.renders)
}

func (f *fakeSurface) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fixture struct {
	clk  *clock.Manual
	cool *cooldown.Cache
	ui   *fakeSurface
	os   *fakeSurface
	bus  eventbus.Bus
	d    *Dispatcher
}

func newFixture(t *testing.T, uiVisible bool, osEnabled bool) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	f := &fixture{
		clk:  clk,
		cool: cooldown.New(clk, 5*time.Minute, 0),
		ui:   newFake("ui", uiVisible),
		os:   newFake("os", true),
		bus:  eventbus.New(),
	}
	f.d = New(Config{OSSurface: osEnabled, OSRatePerSec: 100, RetryBase: time.Millisecond}, clk, f.cool, f.ui, f.os, logx.Nop(), f.bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		f.d.Stop(sctx)
	})
	return f
}

func instance(id reminder.ScheduleID, kind reminder.Kind, level int) reminder.Instance {
	dose := reminder.DoseSchedule{ID: id, MedicationName: "Aspirin", Dosage: "100mg", Time: "08:00"}
	return reminder.NewInstance(dose, kind, level, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), nil)
}

func TestDeliverDedupsAcrossPaths(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	first := f.d.Deliver(ctx, instance(7, reminder.KindDose, 0), SourceScheduler)
	second := f.d.Deliver(ctx, instance(7, reminder.KindDose, 0), SourcePoller)

	require.True(t, first.Delivered)
	require.Equal(t, "ui", first.Surface)
	require.True(t, second.Suppressed)
	require.Equal(t, 1, f.ui.renderCount())

	// A different kind for the same schedule is its own key.
	third := f.d.Deliver(ctx, instance(7, reminder.KindMissed, 0), SourcePoller)
	require.True(t, third.Delivered)
	require.Equal(t, 2, f.ui.renderCount())

	f.clk.Advance(5 * time.Minute)
	again := f.d.Deliver(ctx, instance(7, reminder.KindDose, 0), SourcePoller)
	require.True(t, again.Delivered)
}

func TestConcurrentDeliveriesRenderOnce(t *testing.T) {
	f := newFixture(t, true, false)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		src := SourceScheduler
		if i%2 == 1 {
			src = SourcePoller
		}
		go func() {
			defer wg.Done()
			f.d.Deliver(context.Background(), instance(9, reminder.KindDose, 0), src)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, f.ui.renderCount())
	st := f.d.Stats()
	require.EqualValues(t, 1, st.Delivered)
	require.EqualValues(t, 31, st.Suppressed)
}

func TestDeliverFallsBackToOSSurface(t *testing.T) {
	f := newFixture(t, false, true)

	res := f.d.Deliver(context.Background(), instance(7, reminder.KindDose, 0), SourceScheduler)
	require.True(t, res.Delivered)
	require.Equal(t, "os", res.Surface)
	require.Eventually(t, func() bool { return f.os.renderCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, f.ui.renderCount())
}

func TestFailedOSSendReleasesCooldown(t *testing.T) {
	f := newFixture(t, false, true)
	f.os.setErr(errors.New("dbus: connection refused"))
	ctx := context.Background()

	res := f.d.Deliver(ctx, instance(7, reminder.KindDose, 0), SourceScheduler)
	require.True(t, res.Delivered)
	require.Eventually(t, func() bool { return f.d.Stats().OSFailed == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, f.cool.ShouldDeliver(7, reminder.KindDose))

	// The next poll inside the window reaches the surface again.
	f.os.setErr(nil)
	res = f.d.Deliver(ctx, instance(7, reminder.KindDose, 0), SourcePoller)
	require.True(t, res.Delivered)
	require.Eventually(t, func() bool { return f.os.renderCount() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, f.cool.ShouldDeliver(7, reminder.KindDose))
}

func TestNoSurfaceRecordsNothing(t *testing.T) {
	f := newFixture(t, false, false)

	res := f.d.Deliver(context.Background(), instance(7, reminder.KindDose, 0), SourceScheduler)
	require.False(t, res.Delivered)
	require.ErrorIs(t, res.Err, ErrNoSurface)
	require.True(t, f.cool.ShouldDeliver(7, reminder.KindDose))
}

func TestPermissionDenialFallsBackUntilReauthorized(t *testing.T) {
	f := newFixture(t, false, true)
	f.os.setErr(ErrPermissionDenied)

	res := f.d.Deliver(context.Background(), instance(7, reminder.KindDose, 0), SourceScheduler)
	require.True(t, res.Delivered)
	require.Eventually(t, f.d.OSDenied, time.Second, 5*time.Millisecond)

	// The OS surface is not tried again while denied.
	f.os.setErr(nil)
	res = f.d.Deliver(context.Background(), instance(8, reminder.KindDose, 0), SourceScheduler)
	require.ErrorIs(t, res.Err, ErrNoSurface)

	// With a visible UI the reminder goes there.
	f.ui.setAvailable(true)
	res = f.d.Deliver(context.Background(), instance(8, reminder.KindDose, 0), SourceScheduler)
	require.True(t, res.Delivered)
	require.Equal(t, "ui", res.Surface)

	f.d.Reauthorize()
	f.ui.setAvailable(false)
	res = f.d.Deliver(context.Background(), instance(9, reminder.KindDose, 0), SourceScheduler)
	require.Equal(t, "os", res.Surface)
	require.Eventually(t, func() bool { return f.os.renderCount() == 1 }, time.Second, 5*time.Millisecond)
}

// hiddenOnceSurface reports unavailable on the first check only.
type hiddenOnceSurface struct {
	*fakeSurface
	checks int
}

func (h *hiddenOnceSurface) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	return h.checks > 1
}

func TestDeniedOSJobFallsBackToVisibleUI(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	ui := &hiddenOnceSurface{fakeSurface: newFake("ui", false)}
	os := newFake("os", true)
	os.setErr(errors.Join(errors.New("forbidden: bot was blocked by the user"), ErrPermissionDenied))

	d := New(Config{OSSurface: true, OSRatePerSec: 100}, clk, cooldown.New(clk, 0, 0), ui, os, logx.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	res := d.Deliver(ctx, instance(7, reminder.KindDose, 0), SourceScheduler)
	require.Equal(t, "os", res.Surface)
	require.Eventually(t, func() bool { return ui.renderCount() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, d.OSDenied())
	require.Equal(t, 1, d.ActiveAlerts())
}

func TestAlertLoopCadenceAndAutoDismiss(t *testing.T) {
	cases := []struct {
		level       int
		alerts      int
		autoDismiss time.Duration
	}{
		{level: 0, alerts: 2, autoDismiss: 30 * time.Second},  // 10s, 20s
		{level: 1, alerts: 7, autoDismiss: 60 * time.Second},  // every 8s below 60s
		{level: 2, alerts: 11, autoDismiss: 60 * time.Second}, // every 5s below 60s
	}
	for _, tc := range cases {
		t.Run(reminder.Policy(tc.level).Name, func(t *testing.T) {
			f := newFixture(t, true, false)
			f.d.Deliver(context.Background(), instance(7, reminder.KindDose, tc.level), SourceScheduler)
			require.Equal(t, 1, f.d.ActiveAlerts())

			f.clk.Advance(tc.autoDismiss - time.Millisecond)
			require.Equal(t, tc.alerts, f.ui.alertCount())
			require.Equal(t, 1, f.d.ActiveAlerts())

			f.clk.Advance(time.Millisecond)
			require.Equal(t, 0, f.d.ActiveAlerts())
			f.clk.Advance(time.Minute)
			require.Equal(t, tc.alerts, f.ui.alertCount())
		})
	}
}

func TestDismissStopsAlertLoop(t *testing.T) {
	f := newFixture(t, true, false)
	f.d.Deliver(context.Background(), instance(7, reminder.KindDose, 0), SourceScheduler)
	f.clk.Advance(10 * time.Second)
	require.Equal(t, 1, f.ui.alertCount())

	f.d.Dismiss(context.Background(), 7)
	require.Equal(t, 0, f.d.ActiveAlerts())
	require.Equal(t, []reminder.ScheduleID{7}, f.ui.dismissed)

	f.clk.Advance(time.Minute)
	require.Equal(t, 1, f.ui.alertCount())
}

func TestNewDeliveryReplacesAlertLoop(t *testing.T) {
	f := newFixture(t, true, false)
	f.d.Deliver(context.Background(), instance(7, reminder.KindDose, 0), SourceScheduler)
	f.d.Deliver(context.Background(), instance(7, reminder.KindSnooze, 1), SourceScheduler)
	require.Equal(t, 1, f.d.ActiveAlerts())

	f.clk.Advance(8 * time.Second)
	f.ui.mu.Lock()
	alerts := append([]int(nil), f.ui.alerts...)
	f.ui.mu.Unlock()
	require.Equal(t, []int{1}, alerts)
}

func TestPayloadCarriesAlertHints(t *testing.T) {
	from := time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC)
	inst := reminder.NewInstance(reminder.DoseSchedule{ID: 7, MedicationName: "A", Time: "08:00"}, reminder.KindSnooze, 1, from.Add(15*time.Minute), &from)
	p := NewPayload(inst)
	require.Equal(t, reminder.ScheduleID(7), p.ScheduleID)
	require.True(t, p.Urgent)
	require.Equal(t, 1, p.EscalationLevel)
	require.Equal(t, reminder.UrgencyUrgent, p.Urgency)
	require.EqualValues(t, 8000, p.CadenceMS)
	require.EqualValues(t, 60000, p.AutoDismissMS)
	require.True(t, p.RequireInteraction)
	require.NotNil(t, p.SnoozedFrom)
	require.True(t, p.SnoozedFrom.Equal(from))
}
