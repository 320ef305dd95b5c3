package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"dosealert/internal/dispatch"
	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	logx "dosealert/pkg/logx"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

const (
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

var errClientsBusy = errors.New("no ui client accepted the message")

type uiClient struct {
	id      string
	send    chan any
	visible bool
}

// UIHub is the in-app reminder surface. Every connected UI client receives
// reminders; the surface counts as available while at least one client
// reports itself visible.
type UIHub struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	hooks   Hooks
	clients map[string]*uiClient
}

var (
	_ dispatch.Surface   = (*UIHub)(nil)
	_ dispatch.Alerter   = (*UIHub)(nil)
	_ dispatch.Dismisser = (*UIHub)(nil)
)

func NewUIHub(log logx.Logger, bus eventbus.Bus) *UIHub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UIHub{log: log, bus: bus, clients: map[string]*uiClient{}}
}

func (h *UIHub) bind(hooks Hooks) {
	h.mu.Lock()
	h.hooks = hooks
	h.mu.Unlock()
}

func (h *UIHub) Name() string { return "ui" }

func (h *UIHub) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.visible {
			return true
		}
	}
	return false
}

// Render queues the reminder for every visible client without blocking.
func (h *UIHub) Render(_ context.Context, p dispatch.Payload) error {
	pp := p
	if h.broadcast(UIMessage{Type: MsgRenderReminder, Reminder: &pp}, true) == 0 {
		return errClientsBusy
	}
	return nil
}

func (h *UIHub) Alert(_ context.Context, id reminder.ScheduleID, level int) error {
	if h.broadcast(UIMessage{Type: MsgAlert, ScheduleID: id, Level: level}, true) == 0 {
		return errClientsBusy
	}
	return nil
}

func (h *UIHub) Dismiss(_ context.Context, id reminder.ScheduleID) error {
	h.broadcast(UIMessage{Type: MsgDismiss, ScheduleID: id}, false)
	return nil
}

// Clients returns the number of connected UI clients.
func (h *UIHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *UIHub) broadcast(msg UIMessage, visibleOnly bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.clients {
		if visibleOnly && !c.visible {
			continue
		}
		select {
		case c.send <- msg:
			n++
		default:
			h.log.Warn("ui client send buffer full, message dropped", logx.String("client", c.id), logx.String("type", msg.Type))
		}
	}
	return n
}

// ServeHTTP upgrades the request and serves one UI client until it
// disconnects.
func (h *UIHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &uiClient{id: uuid.NewString(), send: make(chan any, clientBuffer), visible: true}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Info("ui client connected", logx.String("client", c.id))
	h.publish(eventbus.EnvVisible)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		h.log.Info("ui client disconnected", logx.String("client", c.id))
	}()

	go writePump(ctx, conn, c.send, cancel)

	for {
		var msg UIMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Debug("ui client read failed", logx.String("client", c.id), logx.Err(err))
			}
			return
		}
		h.handle(ctx, c, msg)
	}
}

func (h *UIHub) handle(ctx context.Context, c *uiClient, msg UIMessage) {
	switch msg.Type {
	case MsgVisibility:
		visible := msg.Visible != nil && *msg.Visible
		h.mu.Lock()
		c.visible = visible
		h.mu.Unlock()
		if visible {
			h.publish(eventbus.EnvVisible)
		} else {
			h.publish(eventbus.EnvHidden)
		}
	case MsgFocus:
		h.mu.Lock()
		c.visible = true
		h.mu.Unlock()
		h.publish(eventbus.EnvFocus)
	case MsgAcknowledgeTaken, MsgAcknowledgeSkipped, MsgSnooze:
		h.mu.Lock()
		hooks := h.hooks
		h.mu.Unlock()
		resume, err := action(ctx, hooks, msg.Type, msg.ScheduleID, msg.Minutes)
		reply := UIMessage{Type: MsgAck, ScheduleID: msg.ScheduleID}
		if err != nil {
			reply = UIMessage{Type: MsgError, ScheduleID: msg.ScheduleID, Error: err.Error()}
		} else if !resume.IsZero() {
			reply.ResumeAt = &resume
		}
		select {
		case c.send <- reply:
		default:
		}
	default:
		h.log.Debug("unknown ui message", logx.String("type", msg.Type))
	}
}

func (h *UIHub) publish(typ string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: time.Now()})
}

// writePump owns all writes to conn. A failed write cancels the connection.
func writePump(ctx context.Context, conn *websocket.Conn, send <-chan any, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, msg)
			wcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}
