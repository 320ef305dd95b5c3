package gateway

import (
	"context"
	"net/http"
	"sync"

	"dosealert/internal/engine"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	logx "dosealert/pkg/logx"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// WorkerHub serves background workers: it pushes the day's schedules so a
// worker can raise OS notifications on its own, and accepts notification
// actions routed back into the same hooks the UI uses.
type WorkerHub struct {
	log       logx.Logger
	schedules func() []reminder.DoseSchedule

	mu      sync.Mutex
	hooks   Hooks
	clients map[string]chan any
}

func NewWorkerHub(log logx.Logger, schedules func() []reminder.DoseSchedule) *WorkerHub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WorkerHub{log: log, schedules: schedules, clients: map[string]chan any{}}
}

func (h *WorkerHub) bind(hooks Hooks) {
	h.mu.Lock()
	h.hooks = hooks
	h.mu.Unlock()
}

// Run forwards every schedules.loaded event to connected workers until ctx
// is done.
func (h *WorkerHub) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.SubscribeTypes(8, eventbus.SchedulesLoaded)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if le, ok := ev.Data.(engine.LoadedEvent); ok {
				h.Broadcast(le.Schedules)
			}
		}
	}
}

// Broadcast sends a schedule-update to every worker.
func (h *WorkerHub) Broadcast(list []reminder.DoseSchedule) {
	msg := WorkerMessage{Type: MsgScheduleUpdate, Schedules: nonNil(list)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, send := range h.clients {
		select {
		case send <- msg:
		default:
			h.log.Warn("worker send buffer full, update dropped", logx.String("client", id))
		}
	}
}

func (h *WorkerHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WorkerHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	send := make(chan any, clientBuffer)
	var initial []reminder.DoseSchedule
	if h.schedules != nil {
		initial = h.schedules()
	}
	send <- WorkerMessage{Type: MsgScheduleUpdate, Schedules: nonNil(initial)}

	h.mu.Lock()
	h.clients[id] = send
	h.mu.Unlock()
	h.log.Info("worker connected", logx.String("client", id))
	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		h.log.Info("worker disconnected", logx.String("client", id))
	}()

	go writePump(ctx, conn, send, cancel)

	for {
		var msg WorkerMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.Type != MsgNotificationAction || msg.Data == nil {
			h.log.Debug("unknown worker message", logx.String("type", msg.Type))
			continue
		}
		h.mu.Lock()
		hooks := h.hooks
		h.mu.Unlock()
		if _, err := action(ctx, hooks, msg.Action, msg.Data.ScheduleID, msg.Data.Minutes); err != nil {
			h.log.Warn("worker action failed", logx.String("action", msg.Action), logx.Int64("schedule_id", int64(msg.Data.ScheduleID)), logx.Err(err))
			select {
			case send <- WorkerMessage{Type: MsgError, Action: msg.Action, Data: msg.Data, Error: err.Error()}:
			default:
			}
		}
	}
}

func nonNil(list []reminder.DoseSchedule) []reminder.DoseSchedule {
	if list == nil {
		return []reminder.DoseSchedule{}
	}
	return list
}
