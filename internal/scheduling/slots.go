package scheduling

import (
	"time"

	"github.com/medrex/clinic-scheduler/pkg/types"
)

const (
	// DefaultConsultationMinutes applies when a doctor has never set a duration
	DefaultConsultationMinutes = 30
	// MinConsultationMinutes and MaxConsultationMinutes bound what a doctor may configure
	MinConsultationMinutes = 5
	MaxConsultationMinutes = 120
	// ConsultationStepMinutes is the granularity of configurable durations
	ConsultationStepMinutes = 5
)

// defaultWorkingDays is used when a doctor has no availability record
var defaultWorkingDays = map[string]types.WorkingHours{
	"Monday":    {Start: "09:00", End: "17:00"},
	"Tuesday":   {Start: "09:00", End: "17:00"},
	"Wednesday": {Start: "09:00", End: "17:00"},
	"Thursday":  {Start: "09:00", End: "17:00"},
	"Friday":    {Start: "09:00", End: "17:00"},
}

// DefaultAvailability returns the Monday to Friday 09:00-17:00 schedule
func DefaultAvailability(doctorID string) *types.DoctorAvailability {
	days := make(map[string]types.WorkingHours, len(defaultWorkingDays))
	for k, v := range defaultWorkingDays {
		days[k] = v
	}
	return &types.DoctorAvailability{
		DoctorID:    doctorID,
		WorkingDays: days,
		OffDates:    []string{},
	}
}

// ValidConsultationDuration reports whether minutes is a duration a doctor may configure
func ValidConsultationDuration(minutes int) bool {
	return minutes >= MinConsultationMinutes &&
		minutes <= MaxConsultationMinutes &&
		minutes%ConsultationStepMinutes == 0
}

// GenerateSlots lists the bookable start times for a doctor on date.
// An empty list always comes with the reason it is empty.
func GenerateSlots(avail *types.DoctorAvailability, durationMinutes int, date string, loc *time.Location) types.SlotResult {
	empty := func(reason types.SlotReason) types.SlotResult {
		return types.SlotResult{Slots: []string{}, Reason: reason}
	}

	if avail == nil {
		avail = DefaultAvailability("")
	}

	if avail.IsOffDate(date) {
		return empty(types.SlotReasonOnLeave)
	}

	if durationMinutes == 0 {
		durationMinutes = DefaultConsultationMinutes
	}
	if durationMinutes < MinConsultationMinutes {
		return empty(types.SlotReasonInvalidDuration)
	}

	weekday, err := WeekdayName(date, loc)
	if err != nil {
		return empty(types.SlotReasonInvalidDate)
	}

	hours, ok := avail.WorkingDays[weekday]
	if !ok {
		return empty(types.SlotReasonNotWorkingDay)
	}

	start, errStart := parseClock(hours.Start)
	end, errEnd := parseClock(hours.End)
	if errStart != nil || errEnd != nil || start >= end {
		return empty(types.SlotReasonInvalidHours)
	}

	slots := make([]string, 0, (end-start)/durationMinutes)
	for cur := start; cur+durationMinutes <= end; cur += durationMinutes {
		slots = append(slots, formatClock(cur))
	}

	return types.SlotResult{Slots: slots, Reason: types.SlotReasonOK}
}

// containsSlot reports whether slot is one of slots
func containsSlot(slots []string, slot string) bool {
	for _, s := range slots {
		if s == slot {
			return true
		}
	}
	return false
}
