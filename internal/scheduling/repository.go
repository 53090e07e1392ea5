package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/medrex/clinic-scheduler/pkg/database"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"github.com/medrex/clinic-scheduler/pkg/types"
)

const appointmentColumns = `id, doctor_id, patient_id, patient_name, reason, appointment_date, time_slot,
		status, arrived_at, started_at, completed_at, cancelled_at,
		queue_position, patients_before, patients_after, waiting_time, delay_minutes, consultation_duration,
		created_at, updated_at`

// Repository implements the SchedulingRepository interface on PostgreSQL
type Repository struct {
	db     *database.DB
	logger *logger.Logger
}

// NewRepository creates a new scheduling repository
func NewRepository(db *database.DB, log *logger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: log,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppointment(row rowScanner) (*types.Appointment, error) {
	apt := &types.Appointment{}
	var status string
	var arrivedAt, startedAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&apt.ID,
		&apt.DoctorID,
		&apt.PatientID,
		&apt.PatientName,
		&apt.Reason,
		&apt.Date,
		&apt.TimeSlot,
		&status,
		&arrivedAt,
		&startedAt,
		&completedAt,
		&cancelledAt,
		&apt.QueuePosition,
		&apt.PatientsBefore,
		&apt.PatientsAfter,
		&apt.WaitingTime,
		&apt.DelayMinutes,
		&apt.ConsultationDuration,
		&apt.CreatedAt,
		&apt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	apt.Status = types.AppointmentStatus(status)
	apt.ArrivedAt = nullTimePtr(arrivedAt)
	apt.StartedAt = nullTimePtr(startedAt)
	apt.CompletedAt = nullTimePtr(completedAt)
	apt.CancelledAt = nullTimePtr(cancelledAt)
	return apt, nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func collectAppointments(rows *sql.Rows) ([]*types.Appointment, error) {
	defer rows.Close()

	var appointments []*types.Appointment
	for rows.Next() {
		apt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		appointments = append(appointments, apt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating appointments: %w", err)
	}
	return appointments, nil
}

// GetDoctorProfile retrieves the scheduling fields of a doctor
func (r *Repository) GetDoctorProfile(ctx context.Context, doctorID string) (*types.DoctorProfile, error) {
	query := `
		SELECT id, name, specialization, consultation_duration, created_at, updated_at
		FROM doctors
		WHERE id = $1`

	p := &types.DoctorProfile{}
	err := r.db.QueryRowContext(ctx, query, doctorID).Scan(
		&p.ID,
		&p.Name,
		&p.Specialization,
		&p.ConsultationDuration,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound.WithDetails(map[string]interface{}{"doctor_id": doctorID}, err)
		}
		return nil, fmt.Errorf("failed to get doctor profile: %w", err)
	}

	return p, nil
}

// UpdateConsultationDuration stores a doctor's consultation length in minutes
func (r *Repository) UpdateConsultationDuration(ctx context.Context, doctorID string, minutes int) error {
	query := `UPDATE doctors SET consultation_duration = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.ExecContext(ctx, query, minutes, doctorID)
	if err != nil {
		return fmt.Errorf("failed to update consultation duration: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return types.ErrNotFound.WithDetails(map[string]interface{}{"doctor_id": doctorID}, nil)
	}

	return nil
}

// GetDoctorAvailability returns nil, nil when the doctor never saved a schedule
func (r *Repository) GetDoctorAvailability(ctx context.Context, doctorID string) (*types.DoctorAvailability, error) {
	query := `
		SELECT doctor_id, working_days, off_dates, updated_at
		FROM doctor_availability
		WHERE doctor_id = $1`

	avail := &types.DoctorAvailability{}
	var workingDays []byte
	var offDates pq.StringArray

	err := r.db.QueryRowContext(ctx, query, doctorID).Scan(
		&avail.DoctorID,
		&workingDays,
		&offDates,
		&avail.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get doctor availability: %w", err)
	}

	avail.WorkingDays = make(map[string]types.WorkingHours)
	if len(workingDays) > 0 {
		if err := json.Unmarshal(workingDays, &avail.WorkingDays); err != nil {
			return nil, fmt.Errorf("failed to decode working days: %w", err)
		}
	}
	avail.OffDates = []string(offDates)
	if avail.OffDates == nil {
		avail.OffDates = []string{}
	}

	return avail, nil
}

// UpsertDoctorAvailability replaces a doctor's weekly hours and leave dates
func (r *Repository) UpsertDoctorAvailability(ctx context.Context, avail *types.DoctorAvailability) error {
	workingDays, err := json.Marshal(avail.WorkingDays)
	if err != nil {
		return fmt.Errorf("failed to encode working days: %w", err)
	}

	offDates := avail.OffDates
	if offDates == nil {
		offDates = []string{}
	}

	query := `
		INSERT INTO doctor_availability (doctor_id, working_days, off_dates, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (doctor_id) DO UPDATE SET
			working_days = EXCLUDED.working_days,
			off_dates = EXCLUDED.off_dates,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, avail.DoctorID, workingDays, pq.Array(offDates)); err != nil {
		return fmt.Errorf("failed to upsert doctor availability: %w", err)
	}

	return nil
}

// GetDelayTracker returns nil, nil when reception never recorded a delay for the date
func (r *Repository) GetDelayTracker(ctx context.Context, doctorID, date string) (*types.DelayTracker, error) {
	query := `
		SELECT doctor_id, tracker_date, delay_minutes, active, updated_at
		FROM doctor_delay_trackers
		WHERE doctor_id = $1 AND tracker_date = $2`

	t := &types.DelayTracker{}
	err := r.db.QueryRowContext(ctx, query, doctorID, date).Scan(
		&t.DoctorID,
		&t.Date,
		&t.DelayMinutes,
		&t.Active,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get delay tracker: %w", err)
	}

	return t, nil
}

// UpsertDelayTracker records a doctor's running-late offset for a date
func (r *Repository) UpsertDelayTracker(ctx context.Context, tracker *types.DelayTracker) error {
	query := `
		INSERT INTO doctor_delay_trackers (doctor_id, tracker_date, delay_minutes, active, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (doctor_id, tracker_date) DO UPDATE SET
			delay_minutes = EXCLUDED.delay_minutes,
			active = EXCLUDED.active,
			updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, tracker.DoctorID, tracker.Date, tracker.DelayMinutes, tracker.Active); err != nil {
		return fmt.Errorf("failed to upsert delay tracker: %w", err)
	}

	return nil
}

// CreateAppointment inserts a booking. The partial unique index on the active
// slot makes the insert fail when another live booking holds the same slot.
func (r *Repository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	query := `
		INSERT INTO appointments (
			id, doctor_id, patient_id, patient_name, reason, appointment_date, time_slot,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		apt.ID,
		apt.DoctorID,
		apt.PatientID,
		apt.PatientName,
		apt.Reason,
		apt.Date,
		apt.TimeSlot,
		string(apt.Status),
		apt.CreatedAt,
		apt.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err, database.UniqueActiveSlotIndex) {
			return types.ErrSlotAlreadyTaken.WithDetails(map[string]interface{}{
				"doctor_id": apt.DoctorID,
				"date":      apt.Date,
				"time_slot": apt.TimeSlot,
			}, err)
		}
		return fmt.Errorf("failed to create appointment: %w", err)
	}

	return nil
}

// GetAppointmentByID retrieves an appointment by ID
func (r *Repository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`

	apt, err := scanAppointment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound.WithDetails(map[string]interface{}{"appointment_id": id}, err)
		}
		return nil, fmt.Errorf("failed to get appointment: %w", err)
	}

	return apt, nil
}

// GetAppointments retrieves appointments with filters
func (r *Repository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`
	args := []interface{}{}
	argIndex := 1

	if filters != nil {
		if filters.DoctorID != "" {
			query += fmt.Sprintf(" AND doctor_id = $%d", argIndex)
			args = append(args, filters.DoctorID)
			argIndex++
		}

		if filters.PatientID != "" {
			query += fmt.Sprintf(" AND patient_id = $%d", argIndex)
			args = append(args, filters.PatientID)
			argIndex++
		}

		if filters.Date != "" {
			query += fmt.Sprintf(" AND appointment_date = $%d", argIndex)
			args = append(args, filters.Date)
			argIndex++
		}

		if filters.Status != "" {
			query += fmt.Sprintf(" AND status = $%d", argIndex)
			args = append(args, string(filters.Status))
			argIndex++
		}
	}

	query += " ORDER BY appointment_date ASC, time_slot ASC"

	if filters != nil && filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filters.Limit)
		argIndex++

		if filters.Offset > 0 {
			query += fmt.Sprintf(" OFFSET $%d", argIndex)
			args = append(args, filters.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}

	return collectAppointments(rows)
}

// GetBookedSlots lists the slots held by non-cancelled appointments
func (r *Repository) GetBookedSlots(ctx context.Context, doctorID, date string) ([]string, error) {
	query := `
		SELECT time_slot FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status <> $3
		ORDER BY time_slot ASC`

	rows, err := r.db.QueryContext(ctx, query, doctorID, date, string(types.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("failed to query booked slots: %w", err)
	}
	defer rows.Close()

	slots := []string{}
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("failed to scan booked slot: %w", err)
		}
		slots = append(slots, slot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating booked slots: %w", err)
	}
	return slots, nil
}

// TransitionStatus moves an appointment to status to, but only while it is in
// one of the from statuses. Leaving the waiting list clears the queue fields.
func (r *Repository) TransitionStatus(ctx context.Context, id string, from []types.AppointmentStatus, to types.AppointmentStatus, updates *types.AppointmentUpdates) (*types.Appointment, error) {
	if updates == nil {
		updates = &types.AppointmentUpdates{}
	}

	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	setParts := []string{
		"status = $1",
		"arrived_at = COALESCE($2, arrived_at)",
		"started_at = COALESCE($3, started_at)",
		"completed_at = COALESCE($4, completed_at)",
		"cancelled_at = COALESCE($5, cancelled_at)",
		"updated_at = NOW()",
	}
	if to != types.StatusWaiting {
		setParts = append(setParts,
			"queue_position = 0",
			"patients_before = 0",
			"patients_after = 0",
			"waiting_time = 0",
		)
	}

	query := fmt.Sprintf(`UPDATE appointments SET %s WHERE id = $6 AND status = ANY($7) RETURNING `+appointmentColumns,
		strings.Join(setParts, ", "))

	apt, err := scanAppointment(r.db.QueryRowContext(ctx, query,
		string(to),
		updates.ArrivedAt,
		updates.StartedAt,
		updates.CompletedAt,
		updates.CancelledAt,
		id,
		pq.Array(fromStrings),
	))
	if err == nil {
		return apt, nil
	}

	if database.IsUniqueViolation(err, database.UniqueInConsultationIndex) {
		return nil, types.ErrInvariantViolation.WithDetails(map[string]interface{}{
			"appointment_id": id,
			"reason":         "doctor already has a patient in consultation",
		}, err)
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition appointment: %w", err)
	}

	// Nothing matched: either the appointment is gone or its status moved on
	current, getErr := r.GetAppointmentByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, types.ErrInvalidTransition.WithDetails(map[string]interface{}{
		"appointment_id": id,
		"current_status": string(current.Status),
		"target_status":  string(to),
	}, nil)
}

// GetWaitingAppointments lists a doctor's waiting appointments for a date in arrival order
func (r *Repository) GetWaitingAppointments(ctx context.Context, doctorID, date string) ([]*types.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = $3
		ORDER BY arrived_at ASC NULLS LAST, created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, doctorID, date, string(types.StatusWaiting))
	if err != nil {
		return nil, fmt.Errorf("failed to query waiting appointments: %w", err)
	}

	return collectAppointments(rows)
}

// BatchUpdateQueue writes every assignment in one transaction. The doctor row is
// locked first so batches for one doctor run one at a time; the delay and duration
// the assignments were built from must still be current, and the locked waiting
// rows must be exactly the assigned set. Otherwise nothing is written and
// ErrQueueSnapshotStale is returned so the caller can recompute.
func (r *Repository) BatchUpdateQueue(ctx context.Context, doctorID, date string, assignments []*types.QueueAssignment) ([]*types.Appointment, error) {
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, r.classifyTxError("failed to begin queue transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// A missing doctor row leaves the clinic default duration in force
	var storedDuration int
	err = tx.QueryRowContext(ctx,
		`SELECT consultation_duration FROM doctors WHERE id = $1 FOR UPDATE`, doctorID).Scan(&storedDuration)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, r.classifyTxError("failed to lock doctor", err)
	}

	tracker := &types.DelayTracker{}
	err = tx.QueryRowContext(ctx, `
		SELECT delay_minutes, active FROM doctor_delay_trackers
		WHERE doctor_id = $1 AND tracker_date = $2`, doctorID, date).Scan(&tracker.DelayMinutes, &tracker.Active)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, r.classifyTxError("failed to read delay tracker", err)
		}
		tracker = nil
	}

	if !queueInputsMatch(assignments, tracker.EffectiveDelay(), storedDuration) {
		return nil, types.ErrQueueSnapshotStale.WithDetails(map[string]interface{}{
			"doctor_id": doctorID,
			"date":      date,
			"reason":    "delay or consultation duration changed",
		}, nil)
	}

	lockQuery := `
		SELECT id FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = $3
		FOR UPDATE`

	rows, err := tx.QueryContext(ctx, lockQuery, doctorID, date, string(types.StatusWaiting))
	if err != nil {
		return nil, r.classifyTxError("failed to lock waiting appointments", err)
	}
	var lockedIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan waiting appointment id: %w", err)
		}
		lockedIDs = append(lockedIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, r.classifyTxError("error iterating waiting appointments", err)
	}

	if !sameIDSet(lockedIDs, assignments) {
		return nil, types.ErrQueueSnapshotStale.WithDetails(map[string]interface{}{
			"doctor_id":   doctorID,
			"date":        date,
			"locked":      len(lockedIDs),
			"assignments": len(assignments),
		}, nil)
	}

	updateQuery := `
		UPDATE appointments SET
			queue_position = $1,
			patients_before = $2,
			patients_after = $3,
			waiting_time = $4,
			delay_minutes = $5,
			consultation_duration = $6,
			updated_at = NOW()
		WHERE id = $7
		RETURNING ` + appointmentColumns

	updated := make([]*types.Appointment, 0, len(assignments))
	for _, a := range assignments {
		apt, err := scanAppointment(tx.QueryRowContext(ctx, updateQuery,
			a.QueuePosition,
			a.PatientsBefore,
			a.PatientsAfter,
			a.WaitingTime,
			a.DelayMinutes,
			a.ConsultationDuration,
			a.AppointmentID,
		))
		if err != nil {
			return nil, r.classifyTxError("failed to update queue position", err)
		}
		updated = append(updated, apt)
	}

	if err := tx.Commit(); err != nil {
		return nil, r.classifyTxError("failed to commit queue transaction", err)
	}
	committed = true

	r.logger.DatabaseOperation(ctx, "batch_update_queue", "appointments",
		time.Since(start).Milliseconds(), int64(len(updated)), true)
	return updated, nil
}

// classifyTxError turns serialization and deadlock failures into a stale snapshot so they get retried
func (r *Repository) classifyTxError(msg string, err error) error {
	if database.IsRetryable(err) {
		return types.ErrQueueSnapshotStale.WithDetails(map[string]interface{}{"reason": msg}, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
