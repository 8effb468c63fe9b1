package emergency

import (
	"context"

	"github.com/google/uuid"
)

type AlertRepository interface {
	Create(ctx context.Context, a *Alert) error
	GetByID(ctx context.Context, id uuid.UUID) (*Alert, error)
	// UpdateStatus writes the lifecycle fields only if the stored status is
	// still from; otherwise it returns ErrInvalidTransition.
	UpdateStatus(ctx context.Context, a *Alert, from Status) error
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Alert, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Alert, int, error)
}
