package directory

import (
	"context"

	"github.com/google/uuid"
)

type HospitalRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	// ListByRegion returns the hospitals of a region ordered by name ascending.
	ListByRegion(ctx context.Context, region string) ([]*Hospital, error)
}

type DoctorRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListByHospitalAndSpecialty(ctx context.Context, hospitalID uuid.UUID, specialty string) ([]*Doctor, error)
	SetAvailability(ctx context.Context, id uuid.UUID, available bool) error
}

type PatientRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}

type ScheduledCareRepository interface {
	// RecentByPatient returns at most limit records, newest scheduled_for first.
	RecentByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*ScheduledCare, error)
}
