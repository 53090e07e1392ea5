package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the tables and indexes the scheduler reads and writes
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	// Create extension for UUID generation
	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`); err != nil {
		return fmt.Errorf("failed to create extension: %w", err)
	}

	tables := []string{
		createDoctorsTable,
		createDoctorAvailabilityTable,
		createAppointmentsTable,
		createDoctorDelayTrackersTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, index := range appointmentIndexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation.
// Doctor and patient identifiers come from the external identity provider, hence VARCHAR.
const (
	createDoctorsTable = `
		CREATE TABLE IF NOT EXISTS doctors (
			id VARCHAR(128) PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			specialization VARCHAR(100) NOT NULL DEFAULT '',
			consultation_duration INTEGER NOT NULL DEFAULT 30 CHECK (consultation_duration >= 5),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createDoctorAvailabilityTable = `
		CREATE TABLE IF NOT EXISTS doctor_availability (
			doctor_id VARCHAR(128) PRIMARY KEY REFERENCES doctors(id),
			working_days JSONB NOT NULL DEFAULT '{}',
			off_dates TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createAppointmentsTable = `
		CREATE TABLE IF NOT EXISTS appointments (
			id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
			doctor_id VARCHAR(128) NOT NULL REFERENCES doctors(id),
			patient_id VARCHAR(128) NOT NULL,
			patient_name VARCHAR(200) NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			appointment_date CHAR(10) NOT NULL,
			time_slot CHAR(5) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'scheduled',
			arrived_at TIMESTAMP WITH TIME ZONE,
			started_at TIMESTAMP WITH TIME ZONE,
			completed_at TIMESTAMP WITH TIME ZONE,
			cancelled_at TIMESTAMP WITH TIME ZONE,
			queue_position INTEGER NOT NULL DEFAULT 0,
			patients_before INTEGER NOT NULL DEFAULT 0,
			patients_after INTEGER NOT NULL DEFAULT 0,
			waiting_time INTEGER NOT NULL DEFAULT 0,
			delay_minutes INTEGER NOT NULL DEFAULT 0,
			consultation_duration INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createDoctorDelayTrackersTable = `
		CREATE TABLE IF NOT EXISTS doctor_delay_trackers (
			doctor_id VARCHAR(128) NOT NULL REFERENCES doctors(id),
			tracker_date CHAR(10) NOT NULL,
			delay_minutes INTEGER NOT NULL DEFAULT 0 CHECK (delay_minutes >= 0),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (doctor_id, tracker_date)
		);`
)

// UniqueActiveSlotIndex is the name of the index that arbitrates bookings
const UniqueActiveSlotIndex = "ux_appointments_active_slot"

// UniqueInConsultationIndex is the name of the index allowing one consultation per doctor and date
const UniqueInConsultationIndex = "ux_appointments_in_consultation"

var appointmentIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + UniqueActiveSlotIndex + `
		ON appointments (doctor_id, appointment_date, time_slot)
		WHERE status <> 'cancelled';`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + UniqueInConsultationIndex + `
		ON appointments (doctor_id, appointment_date)
		WHERE status = 'in_consultation';`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_doctor_date_status
		ON appointments (doctor_id, appointment_date, status);`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_patient
		ON appointments (patient_id, appointment_date);`,
}
