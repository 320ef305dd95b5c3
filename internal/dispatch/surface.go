package dispatch

import (
	"context"
	"errors"
	"time"

	"dosealert/internal/reminder"
)

var (
	ErrNoSurface = errors.New("no delivery surface available")
	// ErrPermissionDenied is returned by a surface that is not authorized to
	// show notifications. The dispatcher stops using it until Reauthorize.
	ErrPermissionDenied = errors.New("notification permission denied")
	ErrQueueFull        = errors.New("os surface queue full")
)

// Payload is the render envelope handed to surfaces.
type Payload struct {
	ReminderID      string              `json:"reminder_id"`
	Kind            reminder.Kind       `json:"kind"`
	MedicationName  string              `json:"medication_name"`
	Dosage          string              `json:"dosage"`
	Time            string              `json:"time"`
	ScheduleID      reminder.ScheduleID `json:"schedule_id"`
	Message         string              `json:"message"`
	Urgent          bool                `json:"urgent"`
	EscalationLevel int                 `json:"escalation_level"`
	SnoozedFrom     *time.Time          `json:"snoozed_from,omitempty"`

	// Alert hints for surfaces that can repeat or auto-dismiss.
	Urgency            string `json:"urgency"`
	CadenceMS          int64  `json:"cadence_ms"`
	AutoDismissMS      int64  `json:"auto_dismiss_ms"`
	RequireInteraction bool   `json:"require_interaction"`
}

// NewPayload builds the render envelope for inst.
func NewPayload(inst reminder.Instance) Payload {
	pol := reminder.Policy(inst.Level)
	return Payload{
		ReminderID:         inst.ID,
		Kind:               inst.Kind,
		MedicationName:     inst.MedicationName,
		Dosage:             inst.Dosage,
		Time:               inst.Time,
		ScheduleID:         inst.ScheduleID,
		Message:            inst.Message,
		Urgent:             inst.Urgent,
		EscalationLevel:    inst.Level,
		SnoozedFrom:        inst.SnoozedFrom,
		Urgency:            pol.Name,
		CadenceMS:          pol.Cadence.Milliseconds(),
		AutoDismissMS:      pol.AutoDismiss.Milliseconds(),
		RequireInteraction: pol.RequireInteraction,
	}
}

// Surface renders reminders to the user.
//
// The primary (in-app) surface's Render is called while the dispatcher holds
// its delivery lock and must not block on I/O. The OS surface is driven from
// the dispatcher's worker and may block.
type Surface interface {
	Name() string
	Available() bool
	Render(ctx context.Context, p Payload) error
}

// Alerter is implemented by surfaces that can repeat an alert (sound,
// vibration) for a live reminder. Alert must not block.
type Alerter interface {
	Alert(ctx context.Context, id reminder.ScheduleID, level int) error
}

// Dismisser is implemented by surfaces that can withdraw a shown reminder.
// Dismiss is called while the engine holds its lock and must not block.
type Dismisser interface {
	Dismiss(ctx context.Context, id reminder.ScheduleID) error
}
