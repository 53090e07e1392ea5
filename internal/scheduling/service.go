package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/medrex/clinic-scheduler/pkg/config"
	"github.com/medrex/clinic-scheduler/pkg/database"
	"github.com/medrex/clinic-scheduler/pkg/interfaces"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"github.com/medrex/clinic-scheduler/pkg/monitoring"
	"github.com/medrex/clinic-scheduler/pkg/types"
)

const serviceName = "scheduling-service"

// recomputes slower than this are logged as performance entries
const slowRecompute = 250 * time.Millisecond

// Queue recompute triggers, used in logs and metrics
const (
	triggerCheckIn         = "check_in"
	triggerStart           = "start_consultation"
	triggerComplete        = "complete_consultation"
	triggerCancel          = "cancel"
	triggerDurationChanged = "duration_changed"
	triggerDelayChanged    = "delay_changed"
	triggerManual          = "manual"
)

var cancellableStatuses = []types.AppointmentStatus{
	types.StatusScheduled,
	types.StatusArrived,
	types.StatusWaiting,
	types.StatusInConsultation,
}

// Service implements the SchedulingService interface
type Service struct {
	config     *config.Config
	logger     *logger.Logger
	repository interfaces.SchedulingRepository
	publisher  interfaces.EventPublisher
	metrics    *monitoring.MetricsCollector
	tracing    *monitoring.TracingManager
	health     *monitoring.HealthManager
	validate   *validator.Validate
	limiter    *BookingLimiter
	stale      sync.Map // doctor|date -> time the queue went stale
	loc        *time.Location
	now        func() time.Time

	db     *database.DB
	server *http.Server
}

// New connects to PostgreSQL and Redis and wires the scheduling service
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Service, error) {
	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.CreateSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	rdb, err := database.NewRedisClient(ctx, &cfg.Redis, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	tracing := monitoring.NewNoopTracingManager(serviceName)
	if cfg.Monitoring.TracingEnabled {
		tracing, err = monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: "1.0.0",
			JaegerEndpoint: cfg.Monitoring.JaegerEndpoint,
			Environment:    cfg.Monitoring.Environment,
			SamplingRate:   cfg.Monitoring.SamplingRate,
		})
		if err != nil {
			db.Close()
			rdb.Close()
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	repository := NewRepository(db, log)
	publisher := NewRedisEventPublisher(rdb, cfg.Redis.ChannelPrefix, log)

	s := NewService(cfg, log, repository, publisher, monitoring.NewMetricsCollector(serviceName), tracing)
	s.db = db

	if s.limiter != nil && cfg.RateLimit.CleanupInterval > 0 {
		s.limiter.StartCleanup(ctx, time.Duration(cfg.RateLimit.CleanupInterval)*time.Second)
	}

	s.health.SetTimeout(5 * time.Second)
	s.health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))
	s.health.RegisterChecker("redis", monitoring.NewRedisHealthChecker(rdb))

	return s, nil
}

// NewService builds the service around already constructed dependencies
func NewService(
	cfg *config.Config,
	log *logger.Logger,
	repository interfaces.SchedulingRepository,
	publisher interfaces.EventPublisher,
	metrics *monitoring.MetricsCollector,
	tracing *monitoring.TracingManager,
) *Service {
	if tracing == nil {
		tracing = monitoring.NewNoopTracingManager(serviceName)
	}
	if metrics == nil {
		metrics = monitoring.NewMetricsCollector(serviceName)
	}

	var limiter *BookingLimiter
	if cfg.RateLimit.BookingsPerMinute > 0 {
		limiter = NewBookingLimiter(cfg.RateLimit.BookingsPerMinute, cfg.RateLimit.Burst)
	}

	s := &Service{
		config:     cfg,
		logger:     log,
		repository: repository,
		publisher:  publisher,
		metrics:    metrics,
		tracing:    tracing,
		health:     monitoring.NewHealthManager(serviceName, "1.0.0"),
		validate:   validator.New(),
		limiter:    limiter,
		loc:        cfg.Location(),
		now:        time.Now,
	}
	s.health.RegisterChecker("queue", monitoring.CheckFunc(s.queueHealth))
	return s
}

// Slots and booking

// GetAvailableSlots returns the bookable slots of a doctor on date with taken ones removed
func (s *Service) GetAvailableSlots(ctx context.Context, doctorID, date string) (*types.AvailableSlots, error) {
	if doctorID == "" {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "doctor_id is required", nil)
	}
	if _, err := ParseDate(date, s.loc); err != nil {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, err.Error(), map[string]interface{}{"date": date})
	}

	result, duration, err := s.generateSlots(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	booked, err := s.repository.GetBookedSlots(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get booked slots: %w", err)
	}

	taken := make(map[string]bool, len(booked))
	for _, slot := range booked {
		taken[slot] = true
	}

	free := make([]string, 0, len(result.Slots))
	for _, slot := range result.Slots {
		if !taken[slot] {
			free = append(free, slot)
		}
	}

	return &types.AvailableSlots{
		DoctorID:    doctorID,
		Date:        date,
		Reason:      result.Reason,
		Free:        free,
		Booked:      booked,
		Total:       len(result.Slots),
		DurationMin: duration,
	}, nil
}

// generateSlots loads the doctor's schedule and runs the slot generator
func (s *Service) generateSlots(ctx context.Context, doctorID, date string) (types.SlotResult, int, error) {
	profile, err := s.repository.GetDoctorProfile(ctx, doctorID)
	if err != nil {
		return types.SlotResult{}, 0, err
	}

	avail, err := s.repository.GetDoctorAvailability(ctx, doctorID)
	if err != nil {
		return types.SlotResult{}, 0, fmt.Errorf("failed to get doctor availability: %w", err)
	}
	if avail == nil {
		avail = DefaultAvailability(doctorID)
	}

	duration := profile.ConsultationDuration
	if duration == 0 {
		duration = s.defaultDuration()
	}

	return GenerateSlots(avail, duration, date, s.loc), duration, nil
}

// BookSlot reserves a slot for a patient. Two concurrent bookings of one slot
// resolve to exactly one success; the other gets ErrSlotAlreadyTaken.
func (s *Service) BookSlot(ctx context.Context, req *types.BookingRequest) (*types.Appointment, error) {
	if req == nil {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "booking request is required", nil)
	}

	ctx, span := s.tracing.StartBookingSpan(ctx, req.DoctorID, req.Date, req.TimeSlot)
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"doctor_id":  req.DoctorID,
		"patient_id": req.PatientID,
		"date":       req.Date,
		"time_slot":  req.TimeSlot,
	})
	log.Info("Booking slot")

	if err := s.validateBooking(ctx, req); err != nil {
		s.metrics.RecordBooking("rejected")
		return nil, err
	}

	now := s.now()
	apt := &types.Appointment{
		ID:          uuid.New().String(),
		DoctorID:    req.DoctorID,
		PatientID:   req.PatientID,
		PatientName: req.PatientName,
		Reason:      req.Reason,
		Date:        req.Date,
		TimeSlot:    req.TimeSlot,
		Status:      types.StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repository.CreateAppointment(ctx, apt); err != nil {
		if errors.Is(err, types.ErrSlotAlreadyTaken) {
			s.metrics.RecordBooking("taken")
			log.Info("Slot already taken")
			return nil, err
		}
		s.metrics.RecordBooking("error")
		s.tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}

	s.metrics.RecordBooking("booked")
	s.logger.Audit(ctx, "book_slot", "appointment:"+apt.ID, true, map[string]interface{}{
		"doctor_id": apt.DoctorID,
		"date":      apt.Date,
		"time_slot": apt.TimeSlot,
	})
	s.publish(ctx, types.EventAppointmentCreated, apt)

	return apt, nil
}

// validateBooking checks the request shape, the date and that the slot is actually offered
func (s *Service) validateBooking(ctx context.Context, req *types.BookingRequest) error {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, "invalid booking request", validationDetails(err))
	}

	past, err := IsPastDate(req.Date, s.now(), s.loc)
	if err != nil {
		return types.NewValidationError(types.ErrCodeValidationFailed, err.Error(), map[string]interface{}{"date": req.Date})
	}
	if past {
		return types.NewValidationError(types.ErrCodeValidationFailed, "cannot book a date in the past", map[string]interface{}{"date": req.Date})
	}

	result, _, err := s.generateSlots(ctx, req.DoctorID, req.Date)
	if err != nil {
		return err
	}
	if result.Reason != types.SlotReasonOK || !containsSlot(result.Slots, req.TimeSlot) {
		return types.NewValidationError(types.ErrCodeValidationFailed, "slot is not offered for this doctor and date", map[string]interface{}{
			"reason":    string(result.Reason),
			"time_slot": req.TimeSlot,
		})
	}

	return nil
}

// validationDetails flattens validator errors into field -> tag
func validationDetails(err error) map[string]interface{} {
	details := map[string]interface{}{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		return details
	}
	details["error"] = err.Error()
	return details
}

// CancelAppointment cancels any non-terminal appointment and frees its slot
func (s *Service) CancelAppointment(ctx context.Context, aptID string) (*types.QueueUpdate, error) {
	current, err := s.repository.GetAppointmentByID(ctx, aptID)
	if err != nil {
		return nil, err
	}

	if current.Status.IsTerminal() {
		s.metrics.RecordTransition(string(types.StatusCancelled), false)
		return nil, types.ErrInvalidTransition.WithDetails(map[string]interface{}{
			"appointment_id": aptID,
			"current_status": string(current.Status),
			"target_status":  string(types.StatusCancelled),
		}, nil)
	}

	now := s.now()
	return s.transition(ctx, aptID, cancellableStatuses, types.StatusCancelled,
		&types.AppointmentUpdates{CancelledAt: &now}, triggerCancel, current.Status == types.StatusWaiting)
}

// Appointment queries

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, aptID string) (*types.Appointment, error) {
	return s.repository.GetAppointmentByID(ctx, aptID)
}

// GetAppointments retrieves appointments matching filters
func (s *Service) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	if filters != nil && filters.Status != "" && !filters.Status.Valid() {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "unknown status", map[string]interface{}{"status": string(filters.Status)})
	}
	return s.repository.GetAppointments(ctx, filters)
}

// Queue transitions

// CheckIn marks a patient as arrived and places them at the back of the waiting list
func (s *Service) CheckIn(ctx context.Context, aptID string) (*types.QueueUpdate, error) {
	now := s.now()
	return s.transition(ctx, aptID,
		[]types.AppointmentStatus{types.StatusScheduled, types.StatusArrived},
		types.StatusWaiting,
		&types.AppointmentUpdates{ArrivedAt: &now},
		triggerCheckIn, true)
}

// StartConsultation calls the next patient in. A doctor sees one patient at a time.
func (s *Service) StartConsultation(ctx context.Context, aptID string) (*types.QueueUpdate, error) {
	apt, err := s.repository.GetAppointmentByID(ctx, aptID)
	if err != nil {
		return nil, err
	}

	active, err := s.repository.GetAppointments(ctx, &types.AppointmentFilters{
		DoctorID: apt.DoctorID,
		Date:     apt.Date,
		Status:   types.StatusInConsultation,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check active consultation: %w", err)
	}
	for _, other := range active {
		if other.ID != aptID {
			s.metrics.RecordTransition(string(types.StatusInConsultation), false)
			s.logger.WithDoctorDate(apt.DoctorID, apt.Date).
				WithField("appointment_id", aptID).
				WithField("in_consultation", other.ID).
				Error("Refusing to start a second consultation")
			return nil, types.ErrInvariantViolation.WithDetails(map[string]interface{}{
				"appointment_id":  aptID,
				"in_consultation": other.ID,
			}, nil)
		}
	}

	now := s.now()
	return s.transition(ctx, aptID,
		[]types.AppointmentStatus{types.StatusWaiting},
		types.StatusInConsultation,
		&types.AppointmentUpdates{StartedAt: &now},
		triggerStart, true)
}

// CompleteConsultation finishes the current consultation
func (s *Service) CompleteConsultation(ctx context.Context, aptID string) (*types.QueueUpdate, error) {
	now := s.now()
	return s.transition(ctx, aptID,
		[]types.AppointmentStatus{types.StatusInConsultation},
		types.StatusCompleted,
		&types.AppointmentUpdates{CompletedAt: &now},
		triggerComplete, true)
}

// transition commits a status change, publishes it, then optionally recomputes the queue.
// A failed recompute never undoes the committed change; it only marks the result stale.
func (s *Service) transition(
	ctx context.Context,
	aptID string,
	from []types.AppointmentStatus,
	to types.AppointmentStatus,
	updates *types.AppointmentUpdates,
	trigger string,
	recompute bool,
) (*types.QueueUpdate, error) {
	apt, err := s.repository.TransitionStatus(ctx, aptID, from, to, updates)
	s.metrics.RecordTransition(string(to), err == nil)
	if err != nil {
		s.logger.Audit(ctx, trigger, "appointment:"+aptID, false, map[string]interface{}{
			"target_status": string(to),
			"error":         err.Error(),
		})
		return nil, err
	}

	s.logger.Audit(ctx, trigger, "appointment:"+aptID, true, map[string]interface{}{
		"doctor_id": apt.DoctorID,
		"date":      apt.Date,
		"status":    string(apt.Status),
	})
	s.publish(ctx, types.EventAppointmentUpdated, apt)

	update := &types.QueueUpdate{Appointment: apt, Assignments: []*types.QueueAssignment{}}
	if !recompute {
		return update, nil
	}

	assignments, stale := s.recompute(ctx, apt.DoctorID, apt.Date, trigger)
	update.Assignments = assignments
	update.QueueStale = stale

	for _, a := range assignments {
		if a.AppointmentID == apt.ID {
			applyAssignment(apt, a)
		}
	}

	return update, nil
}

// RecomputeQueue rebuilds a doctor's waiting list for date. Running it twice changes nothing.
func (s *Service) RecomputeQueue(ctx context.Context, doctorID, date string) (*types.QueueUpdate, error) {
	date, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}

	assignments, stale := s.recompute(ctx, doctorID, date, triggerManual)
	return &types.QueueUpdate{Assignments: assignments, QueueStale: stale}, nil
}

// recompute retries recomputeOnce until it commits or attempts run out.
// The second result reports that the stored queue may be outdated.
func (s *Service) recompute(ctx context.Context, doctorID, date, trigger string) ([]*types.QueueAssignment, bool) {
	ctx, span := s.tracing.StartQueueSpan(ctx, doctorID, date, trigger)
	defer span.End()

	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > slowRecompute {
			s.logger.Performance("queue_recompute", elapsed.Milliseconds(), map[string]interface{}{
				"doctor_id": doctorID,
				"date":      date,
				"trigger":   trigger,
			})
		}
	}()

	attempts := s.config.Queue.MaxRecomputeAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		assignments, updated, err := s.recomputeOnce(ctx, doctorID, date)
		if err == nil {
			s.metrics.RecordQueueRecompute(doctorID, trigger, attempt, len(assignments), false)
			s.logger.QueueRecompute(ctx, doctorID, date, trigger, len(assignments), attempt, false)
			for _, apt := range updated {
				s.publish(ctx, types.EventAppointmentUpdated, apt)
			}
			s.stale.Delete(doctorID + "|" + date)
			return assignments, false
		}

		lastErr = err
		s.logger.WithDoctorDate(doctorID, date).
			WithError(err).
			WithField("attempt", attempt).
			Debug("Queue recompute attempt failed")

		if attempt < attempts && !s.backoff(ctx, attempt) {
			break
		}
	}

	err := types.ErrQueueRecomputeFailed.WithDetails(map[string]interface{}{
		"doctor_id": doctorID,
		"date":      date,
		"trigger":   trigger,
	}, lastErr)
	s.tracing.RecordError(span, err)
	s.metrics.RecordQueueRecompute(doctorID, trigger, attempts, 0, true)
	s.logger.QueueRecompute(ctx, doctorID, date, trigger, 0, attempts, true)
	s.logger.WithDoctorDate(doctorID, date).WithError(err).Warn("Queue left stale")
	s.stale.LoadOrStore(doctorID+"|"+date, s.now())

	return []*types.QueueAssignment{}, true
}

// queueHealth degrades while any doctor's queue is left stale by a failed recompute
func (s *Service) queueHealth(context.Context) monitoring.HealthCheck {
	var stale []string
	s.stale.Range(func(key, _ interface{}) bool {
		stale = append(stale, key.(string))
		return true
	})

	if len(stale) == 0 {
		return monitoring.HealthCheck{Status: monitoring.HealthStatusHealthy, Message: "All queues current"}
	}
	sort.Strings(stale)
	return monitoring.HealthCheck{
		Status:  monitoring.HealthStatusDegraded,
		Message: fmt.Sprintf("%d queue(s) awaiting recompute", len(stale)),
		Details: map[string]interface{}{"stale_queues": stale},
	}
}

// backoff waits before the next attempt; false means ctx ended first
func (s *Service) backoff(ctx context.Context, attempt int) bool {
	delay := s.config.Queue.RetryBackoff() * time.Duration(attempt)
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// recomputeOnce reads the waiting list, delay and duration, and writes the derived
// queue in one batch. Unchanged queues are not rewritten.
func (s *Service) recomputeOnce(ctx context.Context, doctorID, date string) ([]*types.QueueAssignment, []*types.Appointment, error) {
	waiting, err := s.repository.GetWaitingAppointments(ctx, doctorID, date)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get waiting appointments: %w", err)
	}
	if len(waiting) == 0 {
		return []*types.QueueAssignment{}, nil, nil
	}

	delay, err := s.currentDelay(ctx, doctorID, date)
	if err != nil {
		return nil, nil, err
	}

	duration, err := s.consultationDuration(ctx, doctorID)
	if err != nil {
		return nil, nil, err
	}

	if missing := countMissingArrival(waiting); missing > 0 {
		s.logger.WithDoctorDate(doctorID, date).
			WithField("missing", missing).
			Warn("Waiting appointments without arrival time placed at the back of the queue")
	}

	assignments := BuildQueue(waiting, delay, duration)
	if queueUnchanged(waiting, assignments) {
		return assignments, nil, nil
	}

	updated, err := s.repository.BatchUpdateQueue(ctx, doctorID, date, assignments)
	if err != nil {
		return nil, nil, err
	}

	return assignments, updated, nil
}

// queueUnchanged reports whether every stored queue field already matches its assignment
func queueUnchanged(waiting []*types.Appointment, assignments []*types.QueueAssignment) bool {
	byID := make(map[string]*types.Appointment, len(waiting))
	for _, apt := range waiting {
		byID[apt.ID] = apt
	}

	for _, a := range assignments {
		apt, ok := byID[a.AppointmentID]
		if !ok {
			return false
		}
		if apt.QueuePosition != a.QueuePosition ||
			apt.PatientsBefore != a.PatientsBefore ||
			apt.PatientsAfter != a.PatientsAfter ||
			apt.WaitingTime != a.WaitingTime ||
			apt.DelayMinutes != a.DelayMinutes ||
			apt.ConsultationDuration != a.ConsultationDuration {
			return false
		}
	}
	return true
}

// currentDelay reads the delay tracker; absent or inactive means no delay
func (s *Service) currentDelay(ctx context.Context, doctorID, date string) (int, error) {
	tracker, err := s.repository.GetDelayTracker(ctx, doctorID, date)
	if err != nil {
		return 0, fmt.Errorf("failed to get delay tracker: %w", err)
	}
	return tracker.EffectiveDelay(), nil
}

// consultationDuration reads the doctor's configured duration, falling back to the clinic default
func (s *Service) consultationDuration(ctx context.Context, doctorID string) (int, error) {
	profile, err := s.repository.GetDoctorProfile(ctx, doctorID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return s.defaultDuration(), nil
		}
		return 0, fmt.Errorf("failed to get doctor profile: %w", err)
	}
	if profile.ConsultationDuration <= 0 {
		return s.defaultDuration(), nil
	}
	return profile.ConsultationDuration, nil
}

func (s *Service) defaultDuration() int {
	if d := s.config.Queue.DefaultConsultationMinutes; d > 0 {
		return d
	}
	return DefaultConsultationMinutes
}

// GetQueue returns a doctor's live queue for date
func (s *Service) GetQueue(ctx context.Context, doctorID, date string) (*types.QueueSnapshot, error) {
	date, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}

	appointments, err := s.repository.GetAppointments(ctx, &types.AppointmentFilters{
		DoctorID: doctorID,
		Date:     date,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get appointments: %w", err)
	}

	delay, err := s.currentDelay(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}

	duration, err := s.consultationDuration(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	snapshot := buildSnapshot(doctorID, date, appointments)
	snapshot.DelayMinutes = delay
	snapshot.ConsultationDuration = duration
	return snapshot, nil
}

// buildSnapshot groups a day's appointments into the queue panel projection
func buildSnapshot(doctorID, date string, appointments []*types.Appointment) *types.QueueSnapshot {
	snapshot := &types.QueueSnapshot{
		DoctorID: doctorID,
		Date:     date,
		Waiting:  []*types.Appointment{},
	}

	for _, apt := range appointments {
		switch apt.Status {
		case types.StatusWaiting:
			snapshot.Waiting = append(snapshot.Waiting, apt)
		case types.StatusInConsultation:
			snapshot.InConsultation = apt
		case types.StatusCompleted:
			snapshot.CompletedCount++
		case types.StatusScheduled, types.StatusArrived:
			snapshot.ScheduledCount++
		}
	}

	// Stored positions first; anything not yet positioned keeps arrival order behind them
	sort.SliceStable(snapshot.Waiting, func(i, j int) bool {
		a, b := snapshot.Waiting[i], snapshot.Waiting[j]
		if (a.QueuePosition == 0) != (b.QueuePosition == 0) {
			return b.QueuePosition == 0
		}
		if a.QueuePosition != b.QueuePosition {
			return a.QueuePosition < b.QueuePosition
		}
		if a.ArrivedAt == nil || b.ArrivedAt == nil {
			return a.ArrivedAt != nil && b.ArrivedAt == nil
		}
		return a.ArrivedAt.Before(*b.ArrivedAt)
	})

	return snapshot
}

// Doctor settings that feed the queue

// UpdateConsultationDuration stores a new duration and re-estimates every waiting patient on date
func (s *Service) UpdateConsultationDuration(ctx context.Context, doctorID string, minutes int, date string) (*types.QueueUpdate, error) {
	if !ValidConsultationDuration(minutes) {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed,
			fmt.Sprintf("consultation duration must be %d-%d minutes in steps of %d",
				MinConsultationMinutes, MaxConsultationMinutes, ConsultationStepMinutes),
			map[string]interface{}{"minutes": minutes})
	}

	date, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}

	if err := s.repository.UpdateConsultationDuration(ctx, doctorID, minutes); err != nil {
		return nil, err
	}

	s.logger.Audit(ctx, "update_consultation_duration", "doctor:"+doctorID, true, map[string]interface{}{
		"minutes": minutes,
		"date":    date,
	})

	assignments, stale := s.recompute(ctx, doctorID, date, triggerDurationChanged)
	return &types.QueueUpdate{Assignments: assignments, QueueStale: stale}, nil
}

// SetDoctorDelay records how late a doctor is running on date and re-estimates the queue
func (s *Service) SetDoctorDelay(ctx context.Context, doctorID, date string, minutes int, active bool) (*types.QueueUpdate, error) {
	if doctorID == "" {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "doctor_id is required", nil)
	}
	if minutes < 0 {
		return nil, types.NewValidationError(types.ErrCodeValidationFailed, "delay cannot be negative", map[string]interface{}{"minutes": minutes})
	}

	date, err := s.resolveDate(date)
	if err != nil {
		return nil, err
	}

	tracker := &types.DelayTracker{
		DoctorID:     doctorID,
		Date:         date,
		DelayMinutes: minutes,
		Active:       active,
		UpdatedAt:    s.now(),
	}
	if err := s.repository.UpsertDelayTracker(ctx, tracker); err != nil {
		return nil, err
	}

	s.logger.Audit(ctx, "set_doctor_delay", "doctor:"+doctorID, true, map[string]interface{}{
		"minutes": minutes,
		"active":  active,
		"date":    date,
	})

	assignments, stale := s.recompute(ctx, doctorID, date, triggerDelayChanged)
	return &types.QueueUpdate{Assignments: assignments, QueueStale: stale}, nil
}

// SetDoctorAvailability replaces a doctor's weekly hours and leave dates
func (s *Service) SetDoctorAvailability(ctx context.Context, avail *types.DoctorAvailability) error {
	if err := s.validateAvailability(avail); err != nil {
		return err
	}

	if avail.OffDates == nil {
		avail.OffDates = []string{}
	}
	avail.UpdatedAt = s.now()

	if err := s.repository.UpsertDoctorAvailability(ctx, avail); err != nil {
		return err
	}

	s.logger.Audit(ctx, "set_doctor_availability", "doctor:"+avail.DoctorID, true, map[string]interface{}{
		"working_days": len(avail.WorkingDays),
		"off_dates":    len(avail.OffDates),
	})
	return nil
}

func (s *Service) validateAvailability(avail *types.DoctorAvailability) error {
	if avail == nil || avail.DoctorID == "" {
		return types.NewValidationError(types.ErrCodeValidationFailed, "doctor_id is required", nil)
	}

	for day, hours := range avail.WorkingDays {
		if !isWeekdayName(day) {
			return types.NewValidationError(types.ErrCodeValidationFailed, "unknown weekday", map[string]interface{}{"day": day})
		}
		start, errStart := parseClock(hours.Start)
		end, errEnd := parseClock(hours.End)
		if errStart != nil || errEnd != nil || start >= end {
			return types.NewValidationError(types.ErrCodeValidationFailed, "working hours must be HH:MM with start before end",
				map[string]interface{}{"day": day, "start": hours.Start, "end": hours.End})
		}
	}

	for _, d := range avail.OffDates {
		if _, err := ParseDate(d, s.loc); err != nil {
			return types.NewValidationError(types.ErrCodeValidationFailed, err.Error(), map[string]interface{}{"off_date": d})
		}
	}

	return nil
}

func isWeekdayName(day string) bool {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == day {
			return true
		}
	}
	return false
}

// GetDoctorAvailability returns the stored schedule or the default one
func (s *Service) GetDoctorAvailability(ctx context.Context, doctorID string) (*types.DoctorAvailability, error) {
	avail, err := s.repository.GetDoctorAvailability(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if avail == nil {
		return DefaultAvailability(doctorID), nil
	}
	return avail, nil
}

// Live feed

// Subscribe streams committed appointment changes within scope
func (s *Service) Subscribe(ctx context.Context, scope types.SubscriptionScope) (<-chan *types.AppointmentEvent, func(), error) {
	if s.publisher == nil {
		return nil, nil, types.NewInternalError(types.ErrCodeInternalError, "live feed is not configured", nil)
	}
	if scope.Date != "" {
		if _, err := ParseDate(scope.Date, s.loc); err != nil {
			return nil, nil, types.NewValidationError(types.ErrCodeValidationFailed, err.Error(), map[string]interface{}{"date": scope.Date})
		}
	}

	events, cancel, err := s.publisher.Subscribe(ctx, scope)
	if err != nil {
		return nil, nil, err
	}

	s.metrics.SubscriberOpened()
	var once sync.Once
	return events, func() {
		once.Do(func() {
			s.metrics.SubscriberClosed()
			cancel()
		})
	}, nil
}

// publish sends a change event; failures are logged and never reach the caller
func (s *Service) publish(ctx context.Context, eventType types.AppointmentEventType, apt *types.Appointment) {
	if s.publisher == nil || apt == nil {
		return
	}

	event := &types.AppointmentEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Appointment: apt,
		OccurredAt:  s.now(),
	}

	err := s.publisher.Publish(ctx, event)
	s.metrics.RecordEventPublished(string(eventType), err == nil)
	if err != nil {
		s.logger.WithAppointment(apt.ID).
			WithError(err).
			WithField("event_type", string(eventType)).
			Warn("Failed to publish appointment event")
	}
}

// resolveDate defaults an empty date to today and validates the rest
func (s *Service) resolveDate(date string) (string, error) {
	if date == "" {
		return Today(s.now(), s.loc), nil
	}
	if _, err := ParseDate(date, s.loc); err != nil {
		return "", types.NewValidationError(types.ErrCodeValidationFailed, err.Error(), map[string]interface{}{"date": date})
	}
	return date, nil
}

// Service management

// Start starts the HTTP server
func (s *Service) Start(addr string) error {
	router := mux.NewRouter()

	if s.config.Monitoring.Enabled {
		router.Handle(s.config.Monitoring.MetricsPath, s.metrics.Handler()).Methods("GET")
		router.Handle(s.config.Monitoring.HealthPath, s.health.HTTPHandler()).Methods("GET")
	}

	s.setupRoutes(router)
	router.Use(monitoring.NewMonitoringMiddleware(s.metrics, s.tracing, s.logger).HTTPMiddleware)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(s.config.Server.IdleTimeout) * time.Second,
	}

	s.logger.Infof("Starting scheduling service on %s", addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server and releases connections
func (s *Service) Stop() error {
	s.logger.Info("Stopping scheduling service")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.server != nil {
		keep(s.server.Shutdown(ctx))
	}
	if s.publisher != nil {
		keep(s.publisher.Close())
	}
	if s.db != nil {
		keep(s.db.Close())
	}
	keep(s.tracing.Shutdown(ctx))

	return firstErr
}

var _ interfaces.SchedulingService = (*Service)(nil)
