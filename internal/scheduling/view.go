package scheduling

import (
	"sort"

	"github.com/medrex/clinic-scheduler/pkg/types"
)

// QueueView is the display state of one doctor's day as seen by a live client.
// Apply never mutates the receiver; it returns the next state.
type QueueView struct {
	doctorID     string
	date         string
	appointments map[string]*types.Appointment
}

// NewQueueView seeds a view from the appointments of one doctor and date
func NewQueueView(doctorID, date string, appointments []*types.Appointment) *QueueView {
	v := &QueueView{
		doctorID:     doctorID,
		date:         date,
		appointments: make(map[string]*types.Appointment, len(appointments)),
	}
	for _, apt := range appointments {
		if v.inScope(apt) {
			v.appointments[apt.ID] = apt
		}
	}
	return v
}

func (v *QueueView) inScope(apt *types.Appointment) bool {
	return apt != nil && apt.DoctorID == v.doctorID && apt.Date == v.date
}

// Apply folds one change event into the view. Events for other queues and
// events older than what the view already holds leave it unchanged.
func (v *QueueView) Apply(event *types.AppointmentEvent) *QueueView {
	if event == nil || !v.inScope(event.Appointment) {
		return v
	}

	apt := event.Appointment
	if held, ok := v.appointments[apt.ID]; ok && apt.UpdatedAt.Before(held.UpdatedAt) {
		return v
	}

	next := &QueueView{
		doctorID:     v.doctorID,
		date:         v.date,
		appointments: make(map[string]*types.Appointment, len(v.appointments)+1),
	}
	for id, held := range v.appointments {
		next.appointments[id] = held
	}
	next.appointments[apt.ID] = apt
	return next
}

// Len returns the number of appointments held
func (v *QueueView) Len() int {
	return len(v.appointments)
}

// Appointment returns the held version of id, if any
func (v *QueueView) Appointment(id string) (*types.Appointment, bool) {
	apt, ok := v.appointments[id]
	return apt, ok
}

// Snapshot projects the view into the queue panel shape
func (v *QueueView) Snapshot() *types.QueueSnapshot {
	all := make([]*types.Appointment, 0, len(v.appointments))
	for _, apt := range v.appointments {
		all = append(all, apt)
	}
	// map iteration order is random; fix a base order before the stable sort in buildSnapshot
	sortByID(all)

	snapshot := buildSnapshot(v.doctorID, v.date, all)
	if len(snapshot.Waiting) > 0 {
		snapshot.DelayMinutes = snapshot.Waiting[0].DelayMinutes
		snapshot.ConsultationDuration = snapshot.Waiting[0].ConsultationDuration
	}
	return snapshot
}

func sortByID(apts []*types.Appointment) {
	sort.Slice(apts, func(i, j int) bool { return apts[i].ID < apts[j].ID })
}
