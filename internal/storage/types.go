package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Event types written by the dispatcher and the engine.
const (
	EventDelivered  = "delivered"
	EventSuppressed = "suppressed"
	EventTaken      = "taken"
	EventSkipped    = "skipped"
	EventSnoozed    = "snoozed"
	EventEscalated  = "escalated"
	EventLoadFailed = "load_failed"
)

// Event is one audit record. Keep it compact and schema-stable.
type Event struct {
	At         time.Time `json:"at"`
	Type       string    `json:"type"`
	ScheduleID int64     `json:"schedule_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Level      int       `json:"level,omitempty"`
	Surface    string    `json:"surface,omitempty"`
	Source     string    `json:"source,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}
