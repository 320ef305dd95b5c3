package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dosealert/internal/engine"
	"dosealert/internal/reminder"
)

// Hooks are the lifecycle entry points the UI and the worker call back into.
type Hooks interface {
	AcknowledgeTaken(ctx context.Context, id reminder.ScheduleID) error
	AcknowledgeSkipped(ctx context.Context, id reminder.ScheduleID) error
	Snooze(ctx context.Context, id reminder.ScheduleID, d time.Duration) (time.Time, error)
}

// action routes one named action to hooks. minutes <= 0 snoozes for the
// engine default.
func action(ctx context.Context, h Hooks, name string, id reminder.ScheduleID, minutes int) (time.Time, error) {
	if h == nil {
		return time.Time{}, engine.ErrNotRunning
	}
	switch name {
	case "taken", MsgAcknowledgeTaken:
		return time.Time{}, h.AcknowledgeTaken(ctx, id)
	case "skipped", "missed", MsgAcknowledgeSkipped:
		return time.Time{}, h.AcknowledgeSkipped(ctx, id)
	case MsgSnooze:
		return h.Snooze(ctx, id, time.Duration(minutes)*time.Minute)
	default:
		return time.Time{}, fmt.Errorf("unknown action %q", name)
	}
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAcknowledged):
		return http.StatusConflict
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
