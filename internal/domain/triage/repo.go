package triage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueTx is the set of queue mutations available while a hospital's queue
// lock is held. Everything done through one QueueTx commits or rolls back
// together.
type QueueTx interface {
	Stats(ctx context.Context, hospitalID uuid.UUID) (QueueStats, error)
	Insert(ctx context.Context, e *IntakeEntry) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (*IntakeEntry, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error
	// ShiftDown moves every queued entry behind position up by one place.
	ShiftDown(ctx context.Context, hospitalID uuid.UUID, position int) (int64, error)
	ListQueued(ctx context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error)
	SetPosition(ctx context.Context, id uuid.UUID, position int) error
	// DeleteByHospital hard deletes entries and returns the doctors whose
	// queued load changed.
	DeleteByHospital(ctx context.Context, hospitalID uuid.UUID, scope ClearScope) (int64, []uuid.UUID, error)
}

type EntryRepository interface {
	// WithinHospitalLock runs fn in a transaction serialised against every
	// other queue mutation for the same hospital.
	WithinHospitalLock(ctx context.Context, hospitalID uuid.UUID, fn func(ctx context.Context, tx QueueTx) error) error
	GetByID(ctx context.Context, id uuid.UUID) (*IntakeEntry, error)
	// ListQueued returns queued entries ordered by position, then submission.
	ListQueued(ctx context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IntakeEntry, int, error)
	RecentByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*IntakeEntry, error)
	CountQueuedByDoctor(ctx context.Context, hospitalID, doctorID uuid.UUID) (int, error)
}
