package scheduling

import (
	"sort"

	"github.com/medrex/clinic-scheduler/pkg/types"
)

// BuildQueue orders waiting appointments by arrival and derives each one's
// position and estimated wait. Appointments without an arrival time go last,
// in the order given. The input slice is not modified.
func BuildQueue(waiting []*types.Appointment, delayMinutes, durationMinutes int) []*types.QueueAssignment {
	if delayMinutes < 0 {
		delayMinutes = 0
	}

	ordered := make([]*types.Appointment, 0, len(waiting))
	for _, apt := range waiting {
		if apt != nil && apt.Status == types.StatusWaiting {
			ordered = append(ordered, apt)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].ArrivedAt, ordered[j].ArrivedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})

	total := len(ordered)
	assignments := make([]*types.QueueAssignment, total)
	for i, apt := range ordered {
		assignments[i] = &types.QueueAssignment{
			AppointmentID:        apt.ID,
			QueuePosition:        i + 1,
			PatientsBefore:       i,
			PatientsAfter:        total - i - 1,
			WaitingTime:          delayMinutes + i*durationMinutes,
			DelayMinutes:         delayMinutes,
			ConsultationDuration: durationMinutes,
		}
	}
	return assignments
}

// countMissingArrival returns how many waiting appointments lack an arrival time
func countMissingArrival(waiting []*types.Appointment) int {
	n := 0
	for _, apt := range waiting {
		if apt != nil && apt.Status == types.StatusWaiting && apt.ArrivedAt == nil {
			n++
		}
	}
	return n
}

// applyAssignment copies derived queue fields onto apt
func applyAssignment(apt *types.Appointment, a *types.QueueAssignment) {
	apt.QueuePosition = a.QueuePosition
	apt.PatientsBefore = a.PatientsBefore
	apt.PatientsAfter = a.PatientsAfter
	apt.WaitingTime = a.WaitingTime
	apt.DelayMinutes = a.DelayMinutes
	apt.ConsultationDuration = a.ConsultationDuration
}

// sameIDSet reports whether the appointments and assignments name exactly the same ids
func sameIDSet(ids []string, assignments []*types.QueueAssignment) bool {
	if len(ids) != len(assignments) {
		return false
	}
	seen := make(map[string]int, len(ids))
	for _, id := range ids {
		seen[id]++
	}
	for _, a := range assignments {
		if seen[a.AppointmentID] == 0 {
			return false
		}
		seen[a.AppointmentID]--
	}
	return true
}

// queueInputsMatch reports whether every assignment was built from delay and the
// stored consultation duration. A stored duration of zero means the clinic default
// applies, which does not change at runtime, so it is not compared.
func queueInputsMatch(assignments []*types.QueueAssignment, delay, storedDuration int) bool {
	for _, a := range assignments {
		if a.DelayMinutes != delay {
			return false
		}
		if storedDuration > 0 && a.ConsultationDuration != storedDuration {
			return false
		}
	}
	return true
}
