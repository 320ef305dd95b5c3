// Package telegram is the OS-level reminder surface. Reminders are pushed to
// a single Telegram chat with inline Taken / Skip / Snooze buttons, and the
// button presses are routed back into the engine.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dosealert/internal/dispatch"
	"dosealert/internal/reminder"
	rtsup "dosealert/internal/runtime/supervisor"
	logx "dosealert/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
	// SnoozeMinutes is the duration offered on the snooze button.
	SnoozeMinutes int
}

// Hooks are the engine entry points the inline buttons call.
type Hooks interface {
	AcknowledgeTaken(ctx context.Context, id reminder.ScheduleID) error
	AcknowledgeSkipped(ctx context.Context, id reminder.ScheduleID) error
	Snooze(ctx context.Context, id reminder.ScheduleID, d time.Duration) (time.Time, error)
}

// botAPI is the subset of *tele.Bot the notifier sends through.
type botAPI interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

const dismissBuffer = 64

// Notifier implements dispatch.Surface and dispatch.Dismisser on top of a
// Telegram bot.
type Notifier struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	api botAPI

	hooks       atomic.Value // Hooks
	reauthorize atomic.Value // func()

	mu   sync.Mutex
	sent map[reminder.ScheduleID]tele.StoredMessage

	dismissCh chan tele.StoredMessage

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	sends   atomic.Uint64
	dropped atomic.Uint64
}

var (
	_ dispatch.Surface   = (*Notifier)(nil)
	_ dispatch.Dismisser = (*Notifier)(nil)
)

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	n := newNotifier(cfg, log, b)
	n.bot = b
	n.registerHandlers()
	return n, nil
}

func newNotifier(cfg Config, log logx.Logger, api botAPI) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.SnoozeMinutes <= 0 {
		cfg.SnoozeMinutes = 15
	}
	return &Notifier{
		cfg:       cfg,
		log:       log,
		api:       api,
		sent:      map[reminder.ScheduleID]tele.StoredMessage{},
		dismissCh: make(chan tele.StoredMessage, dismissBuffer),
	}
}

// Bind wires the button hooks and the /start re-authorization callback. It
// may be called after Start.
func (n *Notifier) Bind(hooks Hooks, reauthorize func()) {
	if hooks != nil {
		n.hooks.Store(hooks)
	}
	if reauthorize != nil {
		n.reauthorize.Store(reauthorize)
	}
}

func (n *Notifier) registerHandlers() {
	n.bot.Handle("/start", func(c tele.Context) error {
		return c.Send(n.onStart(c.Chat().ID))
	})
	n.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || c.Chat() == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.Respond(&tele.CallbackResponse{Text: n.onAction(ctx, c.Chat().ID, cb.Data)})
	})
}

func (n *Notifier) Name() string { return "telegram" }

func (n *Notifier) Available() bool {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	return n.running
}

// Render sends the reminder and replaces any earlier message for the same
// schedule. It blocks on the Bot API.
func (n *Notifier) Render(ctx context.Context, p dispatch.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{
		ParseMode:   tele.ModeHTML,
		ReplyMarkup: keyboard(p.ScheduleID, n.cfg.SnoozeMinutes),
	}
	m, err := n.api.Send(tele.ChatID(n.cfg.ChatID), formatReminder(p), opts)
	if err != nil {
		return classify(err)
	}
	n.sends.Add(1)

	ref := tele.StoredMessage{MessageID: strconv.Itoa(m.ID), ChatID: n.cfg.ChatID}
	if m.Chat != nil {
		ref.ChatID = m.Chat.ID
	}
	n.mu.Lock()
	prev, had := n.sent[p.ScheduleID]
	n.sent[p.ScheduleID] = ref
	n.mu.Unlock()
	if had {
		n.enqueueDelete(prev)
	}
	return nil
}

// Dismiss schedules deletion of the schedule's last message. It never blocks.
func (n *Notifier) Dismiss(_ context.Context, id reminder.ScheduleID) error {
	n.mu.Lock()
	ref, ok := n.sent[id]
	delete(n.sent, id)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if !n.enqueueDelete(ref) {
		return dispatch.ErrQueueFull
	}
	return nil
}

func (n *Notifier) enqueueDelete(ref tele.StoredMessage) bool {
	select {
	case n.dismissCh <- ref:
		return true
	default:
		n.dropped.Add(1)
		return false
	}
}

func (n *Notifier) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n.runMu.Lock()
	if n.running {
		n.runMu.Unlock()
		return nil
	}
	n.running = true
	n.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(n.log.With(logx.String("comp", "telegram"))),
		// the surface is best-effort; a failing bot must not stop the engine.
		rtsup.WithCancelOnError(false),
	)
	sup := n.sup
	n.runMu.Unlock()

	sup.Go0("telegram.dismiss", n.dismissLoop)

	if n.bot == nil {
		return nil
	}
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		n.bot.Stop()
	})
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		n.log.Info("polling started", logx.Int64("chat_id", n.cfg.ChatID))
		n.bot.Start()
		n.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("long poll exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	return nil
}

func (n *Notifier) Stop(ctx context.Context) error {
	n.runMu.Lock()
	sup := n.sup
	n.sup = nil
	was := n.running
	n.running = false
	n.runMu.Unlock()
	if !was || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			n.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		n.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (n *Notifier) dismissLoop(ctx context.Context) {
	report := time.NewTicker(30 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-n.dismissCh:
			if err := n.api.Delete(ref); err != nil {
				n.log.Debug("delete reminder message failed", logx.String("message_id", ref.MessageID), logx.Err(err))
			}
		case <-report.C:
			if d := n.dropped.Swap(0); d > 0 {
				n.log.Warn("reminder deletions dropped (queue full)", logx.Uint64("count", d))
			}
		}
	}
}

func (n *Notifier) onStart(chatID int64) string {
	if chatID != n.cfg.ChatID {
		n.log.Warn("start from unknown chat ignored", logx.Int64("chat_id", chatID))
		return "This chat is not configured for reminders."
	}
	if f, ok := n.reauthorize.Load().(func()); ok && f != nil {
		f()
	}
	n.log.Info("telegram surface authorized by /start")
	return "Reminders are on. You will get your doses here."
}

// onAction handles one inline button press and returns the toast text.
func (n *Notifier) onAction(ctx context.Context, chatID int64, data string) string {
	if chatID != n.cfg.ChatID {
		return "Not allowed."
	}
	act, ok := parseCallback(data)
	if !ok {
		return "Unknown action."
	}
	hooks, _ := n.hooks.Load().(Hooks)
	if hooks == nil {
		return "Reminders are not running."
	}
	var err error
	var resume time.Time
	switch act.Name {
	case actionTaken:
		err = hooks.AcknowledgeTaken(ctx, act.ScheduleID)
	case actionSkipped:
		err = hooks.AcknowledgeSkipped(ctx, act.ScheduleID)
	case actionSnooze:
		resume, err = hooks.Snooze(ctx, act.ScheduleID, time.Duration(act.Minutes)*time.Minute)
	}
	if err != nil {
		n.log.Warn("telegram action failed", logx.String("action", act.Name), logx.Int64("schedule_id", int64(act.ScheduleID)), logx.Err(err))
		return "Failed: " + err.Error()
	}
	return actionReply(act, resume)
}

// Stats is reported on the status endpoint.
type Stats struct {
	Running bool   `json:"running"`
	Sent    uint64 `json:"sent"`
	Pending int    `json:"pending_dismissals"`
}

func (n *Notifier) Stats() Stats {
	return Stats{Running: n.Available(), Sent: n.sends.Load(), Pending: len(n.dismissCh)}
}

// classify maps Bot API refusals to dispatch.ErrPermissionDenied so the
// dispatcher falls back to the in-app surface until the user sends /start.
func classify(err error) error {
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 401 || te.Code == 403) {
		return errors.Join(dispatch.ErrPermissionDenied, err)
	}
	if errors.Is(err, tele.ErrChatNotFound) {
		return errors.Join(dispatch.ErrPermissionDenied, err)
	}
	return err
}
