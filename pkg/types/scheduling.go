package types

import "time"

// Appointment represents a booked consultation and its live queue metadata
type Appointment struct {
	ID                   string            `json:"id" db:"id"`
	DoctorID             string            `json:"doctor_id" db:"doctor_id"`
	PatientID            string            `json:"patient_id" db:"patient_id"`
	PatientName          string            `json:"patient_name" db:"patient_name"`
	Reason               string            `json:"reason" db:"reason"`
	Date                 string            `json:"date" db:"appointment_date"`
	TimeSlot             string            `json:"time_slot" db:"time_slot"`
	Status               AppointmentStatus `json:"status" db:"status"`
	ArrivedAt            *time.Time        `json:"arrived_at,omitempty" db:"arrived_at"`
	StartedAt            *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt          *time.Time        `json:"cancelled_at,omitempty" db:"cancelled_at"`
	QueuePosition        int               `json:"queue_position" db:"queue_position"`
	PatientsBefore       int               `json:"patients_before" db:"patients_before"`
	PatientsAfter        int               `json:"patients_after" db:"patients_after"`
	WaitingTime          int               `json:"waiting_time" db:"waiting_time"`
	DelayMinutes         int               `json:"delay_minutes" db:"delay_minutes"`
	ConsultationDuration int               `json:"consultation_duration" db:"consultation_duration"`
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at" db:"updated_at"`
}

// AppointmentStatus represents appointment status values
type AppointmentStatus string

const (
	StatusScheduled      AppointmentStatus = "scheduled"
	StatusArrived        AppointmentStatus = "arrived"
	StatusWaiting        AppointmentStatus = "waiting"
	StatusInConsultation AppointmentStatus = "in_consultation"
	StatusCompleted      AppointmentStatus = "completed"
	StatusCancelled      AppointmentStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusArrived, StatusWaiting, StatusInConsultation, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// AppointmentFilters represents filters for appointment queries
type AppointmentFilters struct {
	DoctorID  string            `json:"doctor_id,omitempty"`
	PatientID string            `json:"patient_id,omitempty"`
	Date      string            `json:"date,omitempty"`
	Status    AppointmentStatus `json:"status,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// AppointmentUpdates carries the extra fields written alongside a status transition
type AppointmentUpdates struct {
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// BookingRequest is the patient's slot reservation
type BookingRequest struct {
	DoctorID    string `json:"doctor_id" validate:"required"`
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	TimeSlot    string `json:"time_slot" validate:"required,datetime=15:04"`
	PatientID   string `json:"patient_id" validate:"required"`
	PatientName string `json:"patient_name"`
	Reason      string `json:"reason" validate:"max=500"`
}

// WorkingHours is a single day's wall-clock window in HH:MM
type WorkingHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DoctorAvailability holds a doctor's weekly hours and leave dates.
// WorkingDays is keyed by English weekday name ("Monday" ... "Sunday").
type DoctorAvailability struct {
	DoctorID    string                  `json:"doctor_id" db:"doctor_id"`
	WorkingDays map[string]WorkingHours `json:"working_days" db:"working_days"`
	OffDates    []string                `json:"off_dates" db:"off_dates"`
	UpdatedAt   time.Time               `json:"updated_at" db:"updated_at"`
}

// IsOffDate reports whether date is listed as a leave day
func (a *DoctorAvailability) IsOffDate(date string) bool {
	for _, d := range a.OffDates {
		if d == date {
			return true
		}
	}
	return false
}

// DoctorProfile holds the doctor fields the scheduler needs
type DoctorProfile struct {
	ID                   string    `json:"id" db:"id"`
	Name                 string    `json:"name" db:"name"`
	Specialization       string    `json:"specialization" db:"specialization"`
	ConsultationDuration int       `json:"consultation_duration" db:"consultation_duration"`
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// DelayTracker is reception's running-late offset for one doctor on one date
type DelayTracker struct {
	DoctorID     string    `json:"doctor_id" db:"doctor_id"`
	Date         string    `json:"date" db:"tracker_date"`
	DelayMinutes int       `json:"delay_minutes" db:"delay_minutes"`
	Active       bool      `json:"active" db:"active"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveDelay returns the minutes to add to every wait time
func (t *DelayTracker) EffectiveDelay() int {
	if t == nil || !t.Active || t.DelayMinutes < 0 {
		return 0
	}
	return t.DelayMinutes
}

// SlotReason explains an empty or non-empty slot list
type SlotReason string

const (
	SlotReasonOK              SlotReason = "ok"
	SlotReasonOnLeave         SlotReason = "on-leave"
	SlotReasonNotWorkingDay   SlotReason = "not-working-day"
	SlotReasonInvalidDuration SlotReason = "invalid-duration"
	SlotReasonInvalidHours    SlotReason = "invalid-hours"
	SlotReasonInvalidDate     SlotReason = "invalid-date"
)

// SlotResult is the output of slot generation
type SlotResult struct {
	Slots  []string   `json:"slots"`
	Reason SlotReason `json:"reason"`
}

// AvailableSlots is what a patient is offered for a doctor and date
type AvailableSlots struct {
	DoctorID    string     `json:"doctor_id"`
	Date        string     `json:"date"`
	Reason      SlotReason `json:"reason"`
	Free        []string   `json:"free"`
	Booked      []string   `json:"booked"`
	Total       int        `json:"total"`
	DurationMin int        `json:"duration_minutes"`
}

// QueueAssignment is the derived queue state for one waiting appointment
type QueueAssignment struct {
	AppointmentID        string `json:"appointment_id"`
	QueuePosition        int    `json:"queue_position"`
	PatientsBefore       int    `json:"patients_before"`
	PatientsAfter        int    `json:"patients_after"`
	WaitingTime          int    `json:"waiting_time"`
	DelayMinutes         int    `json:"delay_minutes"`
	ConsultationDuration int    `json:"consultation_duration"`
}

// QueueSnapshot is a doctor's queue for one date
type QueueSnapshot struct {
	DoctorID             string         `json:"doctor_id"`
	Date                 string         `json:"date"`
	Waiting              []*Appointment `json:"waiting"`
	InConsultation       *Appointment   `json:"in_consultation,omitempty"`
	CompletedCount       int            `json:"completed_count"`
	ScheduledCount       int            `json:"scheduled_count"`
	DelayMinutes         int            `json:"delay_minutes"`
	ConsultationDuration int            `json:"consultation_duration"`
}

// QueueUpdate is returned by every queue-affecting operation
type QueueUpdate struct {
	Appointment *Appointment       `json:"appointment,omitempty"`
	Assignments []*QueueAssignment `json:"assignments"`
	// QueueStale is set when the committed change could not be followed by a
	// consistent recompute; displayed wait times are outdated until the next event.
	QueueStale bool `json:"queue_stale"`
}

// AppointmentEventType names a change on the appointment feed
type AppointmentEventType string

const (
	EventAppointmentCreated AppointmentEventType = "appointment.created"
	EventAppointmentUpdated AppointmentEventType = "appointment.updated"
)

// AppointmentEvent is a document-level change published after commit
type AppointmentEvent struct {
	ID          string               `json:"id"`
	Type        AppointmentEventType `json:"type"`
	Appointment *Appointment         `json:"appointment"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// SubscriptionScope selects which appointment changes a subscriber receives.
// DoctorID+Date, Date alone, or PatientID alone.
type SubscriptionScope struct {
	DoctorID  string `json:"doctor_id,omitempty"`
	Date      string `json:"date,omitempty"`
	PatientID string `json:"patient_id,omitempty"`
}

// Matches reports whether apt falls inside the scope
func (s SubscriptionScope) Matches(apt *Appointment) bool {
	if apt == nil {
		return false
	}
	if s.DoctorID != "" && apt.DoctorID != s.DoctorID {
		return false
	}
	if s.Date != "" && apt.Date != s.Date {
		return false
	}
	if s.PatientID != "" && apt.PatientID != s.PatientID {
		return false
	}
	return true
}
