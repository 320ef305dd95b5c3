package telegram

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"dosealert/internal/dispatch"
	"dosealert/internal/reminder"

	tele "gopkg.in/telebot.v4"
)

const (
	actionTaken   = "taken"
	actionSkipped = "skipped"
	actionSnooze  = "snooze"

	callbackPrefix = "act"
)

type callbackAction struct {
	Name       string
	ScheduleID reminder.ScheduleID
	Minutes    int
}

// callbackData encodes a button as "act|<name>|<id>[|<minutes>]". Telegram
// caps callback data at 64 bytes, which this stays well under.
func callbackData(name string, id reminder.ScheduleID, minutes int) string {
	parts := []string{callbackPrefix, name, id.String()}
	if minutes > 0 {
		parts = append(parts, strconv.Itoa(minutes))
	}
	return strings.Join(parts, "|")
}

func parseCallback(data string) (callbackAction, bool) {
	// Buttons registered through telebot's unique handlers carry a \f prefix.
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	parts := strings.Split(data, "|")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != callbackPrefix {
		return callbackAction{}, false
	}
	id, err := reminder.ParseScheduleID(parts[2])
	if err != nil {
		return callbackAction{}, false
	}
	act := callbackAction{Name: parts[1], ScheduleID: id}
	switch act.Name {
	case actionTaken, actionSkipped:
		if len(parts) == 4 {
			return callbackAction{}, false
		}
	case actionSnooze:
		if len(parts) == 4 {
			m, err := strconv.Atoi(parts[3])
			if err != nil || m <= 0 {
				return callbackAction{}, false
			}
			act.Minutes = m
		}
	default:
		return callbackAction{}, false
	}
	return act, true
}

func keyboard(id reminder.ScheduleID, snoozeMinutes int) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{
			{
				{Text: "Taken", Data: callbackData(actionTaken, id, 0)},
				{Text: "Skip", Data: callbackData(actionSkipped, id, 0)},
			},
			{
				{Text: fmt.Sprintf("Snooze %dm", snoozeMinutes), Data: callbackData(actionSnooze, id, snoozeMinutes)},
			},
		},
	}
}

// formatReminder renders the HTML message body.
func formatReminder(p dispatch.Payload) string {
	var b strings.Builder
	switch p.Urgency {
	case reminder.UrgencyCritical:
		b.WriteString("🚨 <b>Critical</b>\n")
	case reminder.UrgencyUrgent:
		b.WriteString("⚠️ <b>Urgent</b>\n")
	default:
		b.WriteString("💊 <b>Medication reminder</b>\n")
	}
	msg := p.Message
	if msg == "" {
		msg = reminder.Message(reminder.Instance{
			Kind:           p.Kind,
			Level:          p.EscalationLevel,
			MedicationName: p.MedicationName,
			Dosage:         p.Dosage,
			Time:           p.Time,
			SnoozedFrom:    p.SnoozedFrom,
		})
	}
	b.WriteString(html.EscapeString(msg))
	if p.Time != "" {
		b.WriteString("\n<i>Scheduled for ")
		b.WriteString(html.EscapeString(p.Time))
		b.WriteString("</i>")
	}
	return b.String()
}

func actionReply(act callbackAction, resume time.Time) string {
	switch act.Name {
	case actionTaken:
		return "Marked as taken."
	case actionSkipped:
		return "Dose skipped."
	case actionSnooze:
		if resume.IsZero() {
			return "Snoozed."
		}
		return "Snoozed until " + resume.Format("15:04") + "."
	default:
		return "Done."
	}
}
