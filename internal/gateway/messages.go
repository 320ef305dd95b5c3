package gateway

import (
	"time"

	"dosealert/internal/dispatch"
	"dosealert/internal/reminder"
)

// UI socket message types.
const (
	MsgRenderReminder = "render-reminder"
	MsgAlert          = "alert"
	MsgDismiss        = "dismiss"
	MsgAck            = "ack"
	MsgError          = "error"

	MsgAcknowledgeTaken   = "acknowledge-taken"
	MsgAcknowledgeSkipped = "acknowledge-skipped"
	MsgSnooze             = "snooze"
	MsgVisibility         = "visibility"
	MsgFocus              = "focus"
)

// Worker socket message types.
const (
	MsgScheduleUpdate     = "schedule-update"
	MsgNotificationAction = "notification-action"
)

// UIMessage is exchanged with in-app UI clients in both directions.
type UIMessage struct {
	Type       string              `json:"type"`
	Reminder   *dispatch.Payload   `json:"reminder,omitempty"`
	ScheduleID reminder.ScheduleID `json:"schedule_id,omitempty"`
	Level      int                 `json:"escalation_level,omitempty"`
	Minutes    int                 `json:"minutes,omitempty"`
	Visible    *bool               `json:"visible,omitempty"`
	ResumeAt   *time.Time          `json:"resume_at,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// WorkerMessage is exchanged with the background worker.
type WorkerMessage struct {
	Type      string                  `json:"type"`
	Schedules []reminder.DoseSchedule `json:"schedules"`
	Action    string                  `json:"action,omitempty"`
	Data      *ActionData             `json:"data,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

type ActionData struct {
	ScheduleID reminder.ScheduleID `json:"schedule_id"`
	Minutes    int                 `json:"minutes,omitempty"`
}
