package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Urgency describes how a surface should present a reminder at a given level.
type Urgency struct {
	Name               string
	Cadence            time.Duration // repeat interval for surfaces that can re-alert
	AutoDismiss        time.Duration // how long the surface may keep it before auto-dismiss
	RequireInteraction bool
}

const (
	UrgencyNormal   = "normal"
	UrgencyUrgent   = "urgent"
	UrgencyCritical = "critical"
)

// Policy maps an escalation level to its presentation. Negative levels are
// treated as level 0.
func Policy(level int) Urgency {
	switch {
	case level >= 2:
		return Urgency{Name: UrgencyCritical, Cadence: 5 * time.Second, AutoDismiss: 60 * time.Second, RequireInteraction: true}
	case level == 1:
		return Urgency{Name: UrgencyUrgent, Cadence: 8 * time.Second, AutoDismiss: 60 * time.Second, RequireInteraction: true}
	default:
		return Urgency{Name: UrgencyNormal, Cadence: 10 * time.Second, AutoDismiss: 30 * time.Second}
	}
}

// NewInstance builds a reminder instance for dose at the given level.
// snoozedFrom may be nil.
func NewInstance(dose DoseSchedule, kind Kind, level int, now time.Time, snoozedFrom *time.Time) Instance {
	if level < 0 {
		level = 0
	}
	inst := Instance{
		ID:             uuid.NewString(),
		ScheduleID:     dose.ID,
		Kind:           kind,
		Level:          level,
		Urgent:         level >= 1,
		OriginAt:       now,
		MedicationName: dose.MedicationName,
		Dosage:         dose.Dosage,
		Time:           dose.Time,
	}
	if snoozedFrom != nil {
		ts := *snoozedFrom
		inst.SnoozedFrom = &ts
	}
	inst.Message = Message(inst)
	return inst
}

// Message renders the fixed reminder text for an instance.
func Message(inst Instance) string {
	name := inst.MedicationName
	if name == "" {
		name = "your medication"
	}
	dose := name
	if inst.Dosage != "" {
		dose = fmt.Sprintf("%s (%s)", name, inst.Dosage)
	}

	switch {
	case inst.Level >= 2:
		return fmt.Sprintf("Critical: %s is still not taken. It was due at %s.", dose, inst.Time)
	case inst.Level == 1 && inst.SnoozedFrom != nil:
		return fmt.Sprintf("Snoozed reminder: time to take %s.", dose)
	case inst.Level == 1:
		return fmt.Sprintf("Urgent: %s was due at %s and has not been taken.", dose, inst.Time)
	case inst.Kind == KindMissed:
		return fmt.Sprintf("Overdue: %s was due at %s.", dose, inst.Time)
	default:
		return fmt.Sprintf("Time to take %s.", dose)
	}
}
