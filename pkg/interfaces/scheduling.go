package interfaces

import (
	"context"

	"github.com/medrex/clinic-scheduler/pkg/types"
)

// SchedulingService defines slot booking and live queue management
type SchedulingService interface {
	// Slots and booking
	GetAvailableSlots(ctx context.Context, doctorID, date string) (*types.AvailableSlots, error)
	BookSlot(ctx context.Context, req *types.BookingRequest) (*types.Appointment, error)
	CancelAppointment(ctx context.Context, aptID string) (*types.QueueUpdate, error)

	// Appointment queries
	GetAppointment(ctx context.Context, aptID string) (*types.Appointment, error)
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)

	// Queue transitions
	CheckIn(ctx context.Context, aptID string) (*types.QueueUpdate, error)
	StartConsultation(ctx context.Context, aptID string) (*types.QueueUpdate, error)
	CompleteConsultation(ctx context.Context, aptID string) (*types.QueueUpdate, error)
	RecomputeQueue(ctx context.Context, doctorID, date string) (*types.QueueUpdate, error)
	GetQueue(ctx context.Context, doctorID, date string) (*types.QueueSnapshot, error)

	// Doctor settings that feed the queue
	UpdateConsultationDuration(ctx context.Context, doctorID string, minutes int, date string) (*types.QueueUpdate, error)
	SetDoctorDelay(ctx context.Context, doctorID, date string, minutes int, active bool) (*types.QueueUpdate, error)
	SetDoctorAvailability(ctx context.Context, avail *types.DoctorAvailability) error
	GetDoctorAvailability(ctx context.Context, doctorID string) (*types.DoctorAvailability, error)

	// Live feed
	Subscribe(ctx context.Context, scope types.SubscriptionScope) (<-chan *types.AppointmentEvent, func(), error)

	// Service management
	Start(addr string) error
	Stop() error
}

// SchedulingRepository defines the operations the scheduler needs from its store
type SchedulingRepository interface {
	// Doctors
	GetDoctorProfile(ctx context.Context, doctorID string) (*types.DoctorProfile, error)
	UpdateConsultationDuration(ctx context.Context, doctorID string, minutes int) error

	// Availability; a nil result with nil error means no record exists
	GetDoctorAvailability(ctx context.Context, doctorID string) (*types.DoctorAvailability, error)
	UpsertDoctorAvailability(ctx context.Context, avail *types.DoctorAvailability) error

	// Delay trackers; a nil result with nil error means no tracker exists
	GetDelayTracker(ctx context.Context, doctorID, date string) (*types.DelayTracker, error)
	UpsertDelayTracker(ctx context.Context, tracker *types.DelayTracker) error

	// Appointments
	CreateAppointment(ctx context.Context, apt *types.Appointment) error
	GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error)
	GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error)
	GetBookedSlots(ctx context.Context, doctorID, date string) ([]string, error)
	TransitionStatus(ctx context.Context, id string, from []types.AppointmentStatus, to types.AppointmentStatus, updates *types.AppointmentUpdates) (*types.Appointment, error)

	// Queue
	GetWaitingAppointments(ctx context.Context, doctorID, date string) ([]*types.Appointment, error)
	BatchUpdateQueue(ctx context.Context, doctorID, date string, assignments []*types.QueueAssignment) ([]*types.Appointment, error)
}

// EventPublisher fans committed appointment changes out to live subscribers
type EventPublisher interface {
	Publish(ctx context.Context, event *types.AppointmentEvent) error
	Subscribe(ctx context.Context, scope types.SubscriptionScope) (<-chan *types.AppointmentEvent, func(), error)
	Close() error
}
