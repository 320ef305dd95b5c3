package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dosealert/internal/dispatch"
	"dosealert/internal/engine"
	"dosealert/internal/reminder"
	logx "dosealert/pkg/logx"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

const testChat int64 = 4242

type fakeBot struct {
	mu      sync.Mutex
	nextID  int
	err     error
	sent    []string
	markups []*tele.ReplyMarkup
	deleted []string
}

func (f *fakeBot) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	text, _ := what.(string)
	f.sent = append(f.sent, text)
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			f.markups = append(f.markups, so.ReplyMarkup)
		}
	}
	return &tele.Message{ID: f.nextID, Chat: &tele.Chat{ID: testChat}}, nil
}

func (f *fakeBot) Delete(msg tele.Editable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := msg.MessageSig()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBot) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeHooks struct {
	mu     sync.Mutex
	calls  []string
	err    error
	resume time.Time
}

func (h *fakeHooks) record(s string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
	return h.err
}

func (h *fakeHooks) AcknowledgeTaken(_ context.Context, id reminder.ScheduleID) error {
	return h.record("taken:" + id.String())
}

func (h *fakeHooks) AcknowledgeSkipped(_ context.Context, id reminder.ScheduleID) error {
	return h.record("skipped:" + id.String())
}

func (h *fakeHooks) Snooze(_ context.Context, id reminder.ScheduleID, d time.Duration) (time.Time, error) {
	return h.resume, h.record("snooze:" + id.String() + ":" + d.String())
}

func newTestNotifier(t *testing.T) (*Notifier, *fakeBot) {
	t.Helper()
	bot := &fakeBot{}
	n := newNotifier(Config{ChatID: testChat}, logx.Nop(), bot)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n, bot
}

func payload(id reminder.ScheduleID, level int) dispatch.Payload {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	inst := reminder.NewInstance(reminder.DoseSchedule{ID: id, MedicationName: "Aspirin", Dosage: "100mg", Time: "09:00"}, reminder.KindDose, level, now, nil)
	return dispatch.NewPayload(inst)
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data string
		ok   bool
		want callbackAction
	}{
		{"act|taken|7", true, callbackAction{Name: actionTaken, ScheduleID: 7}},
		{"act|skipped|7", true, callbackAction{Name: actionSkipped, ScheduleID: 7}},
		{"act|snooze|7|15", true, callbackAction{Name: actionSnooze, ScheduleID: 7, Minutes: 15}},
		{"act|snooze|7", true, callbackAction{Name: actionSnooze, ScheduleID: 7}},
		{"\fact|taken|9", true, callbackAction{Name: actionTaken, ScheduleID: 9}},
		{"act|snooze|7|0", false, callbackAction{}},
		{"act|snooze|7|x", false, callbackAction{}},
		{"act|taken|7|15", false, callbackAction{}},
		{"act|explode|7", false, callbackAction{}},
		{"act|taken|-1", false, callbackAction{}},
		{"menu|taken|7", false, callbackAction{}},
		{"", false, callbackAction{}},
	}
	for _, tt := range tests {
		got, ok := parseCallback(tt.data)
		require.Equal(t, tt.ok, ok, "data=%q", tt.data)
		require.Equal(t, tt.want, got, "data=%q", tt.data)
	}
}

func TestKeyboardButtonsParseBack(t *testing.T) {
	kb := keyboard(12, 20)
	var names []string
	for _, row := range kb.InlineKeyboard {
		for _, btn := range row {
			act, ok := parseCallback(btn.Data)
			require.True(t, ok, btn.Data)
			require.Equal(t, reminder.ScheduleID(12), act.ScheduleID)
			require.LessOrEqual(t, len(btn.Data), 64)
			names = append(names, act.Name)
		}
	}
	require.Equal(t, []string{actionTaken, actionSkipped, actionSnooze}, names)
	require.Equal(t, "Snooze 20m", kb.InlineKeyboard[1][0].Text)
}

func TestFormatReminder(t *testing.T) {
	p := payload(3, 0)
	p.MedicationName = "<b>x</b>"
	p.Message = "Time to take <script>."
	out := formatReminder(p)
	require.True(t, strings.HasPrefix(out, "💊 <b>Medication reminder</b>"))
	require.Contains(t, out, "Time to take &lt;script&gt;.")
	require.Contains(t, out, "Scheduled for 09:00")

	require.Contains(t, formatReminder(payload(3, 1)), "<b>Urgent</b>")
	require.Contains(t, formatReminder(payload(3, 2)), "<b>Critical</b>")

	empty := payload(3, 0)
	empty.Message = ""
	require.Contains(t, formatReminder(empty), "Time to take Aspirin (100mg).")
}

func TestClassify(t *testing.T) {
	blocked := &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	require.ErrorIs(t, classify(blocked), dispatch.ErrPermissionDenied)
	require.ErrorIs(t, classify(blocked), blocked)
	require.ErrorIs(t, classify(tele.ErrChatNotFound), dispatch.ErrPermissionDenied)

	flaky := errors.New("connection reset")
	require.Equal(t, flaky, classify(flaky))
	require.NotErrorIs(t, classify(&tele.Error{Code: 500, Description: "Internal"}), dispatch.ErrPermissionDenied)
}

func TestRenderMapsRefusalToPermissionDenied(t *testing.T) {
	n, bot := newTestNotifier(t)
	bot.err = &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}
	err := n.Render(context.Background(), payload(1, 0))
	require.ErrorIs(t, err, dispatch.ErrPermissionDenied)
}

func TestRenderReplacesPreviousMessage(t *testing.T) {
	n, bot := newTestNotifier(t)
	require.True(t, n.Available())

	require.NoError(t, n.Render(context.Background(), payload(1, 0)))
	require.NoError(t, n.Render(context.Background(), payload(1, 1)))
	require.Len(t, bot.sent, 2)
	require.Len(t, bot.markups, 2)
	require.Eventually(t, func() bool {
		return len(bot.deletedIDs()) == 1 && bot.deletedIDs()[0] == "1"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Dismiss(context.Background(), 1))
	require.Eventually(t, func() bool { return len(bot.deletedIDs()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "2", bot.deletedIDs()[1])

	// Nothing left to dismiss.
	require.NoError(t, n.Dismiss(context.Background(), 1))
	require.EqualValues(t, 2, n.Stats().Sent)
}

func TestDismissNeverBlocks(t *testing.T) {
	bot := &fakeBot{}
	n := newNotifier(Config{ChatID: testChat}, logx.Nop(), bot)
	// Not started: the queue fills and further dismissals are dropped.
	for i := 1; i <= dismissBuffer+1; i++ {
		require.NoError(t, n.Render(context.Background(), payload(reminder.ScheduleID(i), 0)))
	}
	var full int
	for i := 1; i <= dismissBuffer+1; i++ {
		if errors.Is(n.Dismiss(context.Background(), reminder.ScheduleID(i)), dispatch.ErrQueueFull) {
			full++
		}
	}
	require.Equal(t, 1, full)
	require.False(t, n.Available())
}

func TestOnActionRoutesToHooks(t *testing.T) {
	n, _ := newTestNotifier(t)
	ctx := context.Background()
	require.Equal(t, "Reminders are not running.", n.onAction(ctx, testChat, "act|taken|5"))

	h := &fakeHooks{resume: time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)}
	n.Bind(h, nil)

	require.Equal(t, "Marked as taken.", n.onAction(ctx, testChat, "act|taken|5"))
	require.Equal(t, "Dose skipped.", n.onAction(ctx, testChat, "act|skipped|6"))
	require.Equal(t, "Snoozed until 09:15.", n.onAction(ctx, testChat, "act|snooze|7|15"))
	require.Equal(t, "Not allowed.", n.onAction(ctx, 1, "act|taken|5"))
	require.Equal(t, "Unknown action.", n.onAction(ctx, testChat, "bogus"))
	require.Equal(t, []string{"taken:5", "skipped:6", "snooze:7:15m0s"}, h.calls)

	h.err = engine.ErrAcknowledged
	require.Contains(t, n.onAction(ctx, testChat, "act|snooze|5"), "Failed:")
}

func TestStartCommandReauthorizes(t *testing.T) {
	n, _ := newTestNotifier(t)
	var calls int
	n.Bind(nil, func() { calls++ })

	n.onStart(1)
	require.Equal(t, 0, calls)
	require.Contains(t, n.onStart(testChat), "Reminders are on")
	require.Equal(t, 1, calls)
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	_, err := New(Config{ChatID: 1}, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Token: "123:abc"}, logx.Nop())
	require.Error(t, err)
}
