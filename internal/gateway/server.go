// Package gateway is the HTTP face of the engine: a small REST API, the UI
// websocket (the in-app reminder surface) and the background worker
// websocket.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dosealert/internal/eventbus"
	"dosealert/internal/reminder"
	"dosealert/internal/storage"
	logx "dosealert/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const DefaultAddr = "127.0.0.1:8089"

// Config controls the HTTP listener.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Deps are the collaborators the gateway exposes. Nil funcs and stores turn
// the matching endpoints into 404s.
type Deps struct {
	Hooks     Hooks
	UI        *UIHub
	Worker    *WorkerHub
	Bus       eventbus.Bus
	Status    func() any
	Schedules func() []reminder.DoseSchedule
	History   storage.Store
	Log       logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.UI != nil {
		deps.UI.bind(deps.Hooks)
	}
	if deps.Worker != nil {
		deps.Worker.bind(deps.Hooks)
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/schedules", s.handleSchedules)
			r.Get("/history", s.handleHistory)
			r.Post("/reminders/{id}/{action}", s.handleAction)
			r.Post("/signals/{signal}", s.handleSignal)
		})
		if s.deps.UI != nil {
			r.Handle("/ws/ui", s.deps.UI)
		}
		if s.deps.Worker != nil {
			r.Handle("/ws/worker", s.deps.Worker)
		}
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Start listens and serves in the background. It returns once the listener
// is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("gateway: non-loopback addr %q requires token or allow_insecure", addr)
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("gateway running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	rht := s.cfg.ReadHeaderTimeout
	if rht <= 0 {
		rht = 10 * time.Second
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: rht,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("gateway started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		// Hijacked websocket connections are not tracked by Shutdown.
		_ = srv.Close()
	}
	s.log.Info("gateway stopped")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		writeError(w, http.StatusNotFound, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status())
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Schedules == nil {
		writeError(w, http.StatusNotFound, "schedules unavailable")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.deps.Schedules()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, 1000)
	}
	events, err := s.deps.History.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type actionRequest struct {
	Minutes int `json:"minutes"`
}

type actionResponse struct {
	ScheduleID reminder.ScheduleID `json:"schedule_id"`
	Action     string              `json:"action"`
	ResumeAt   *time.Time          `json:"resume_at,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := reminder.ParseScheduleID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := chi.URLParam(r, "action")
	switch name {
	case "taken", "skipped", "snooze":
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if v := r.URL.Query().Get("minutes"); v != "" {
		if req.Minutes, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid minutes")
			return
		}
	}
	if req.Minutes < 0 {
		writeError(w, http.StatusBadRequest, "minutes must not be negative")
		return
	}

	resume, err := action(r.Context(), s.deps.Hooks, name, id, req.Minutes)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := actionResponse{ScheduleID: id, Action: name}
	if !resume.IsZero() {
		resp.ResumeAt = &resume
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var typ string
	switch chi.URLParam(r, "signal") {
	case "visible":
		typ = eventbus.EnvVisible
	case "focus":
		typ = eventbus.EnvFocus
	case "hidden":
		typ = eventbus.EnvHidden
	default:
		writeError(w, http.StatusNotFound, "unknown signal")
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: time.Now()})
	}
	w.WriteHeader(http.StatusAccepted)
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>. Browsers
// cannot set headers on a websocket handshake, hence the query form.
func (s *Server) auth(next http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(s.cfg.Token))
	if len(tok) == 0 {
		return next
	}
	match := func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), tok) == 1
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if match(got) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && match(strings.TrimSpace(strings.TrimPrefix(ah, p))) {
			next.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
