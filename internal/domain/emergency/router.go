package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/careline/intake/internal/domain/directory"
	"github.com/careline/intake/internal/platform/db"
	"github.com/careline/intake/internal/platform/events"
)

// IntakeHistoryFunc returns a patient's most recent intakes, newest first.
type IntakeHistoryFunc func(ctx context.Context, patientID uuid.UUID, limit int) ([]IntakeSnapshot, error)

// Router creates emergency alerts. It never touches hospital queues.
type Router struct {
	alerts    AlertRepository
	patients  directory.PatientRepository
	hospitals directory.HospitalRepository
	care      directory.ScheduledCareRepository
	intakes   IntakeHistoryFunc
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRouter(
	alerts AlertRepository,
	patients directory.PatientRepository,
	hospitals directory.HospitalRepository,
	care directory.ScheduledCareRepository,
	intakes IntakeHistoryFunc,
	logger zerolog.Logger,
) *Router {
	return &Router{
		alerts:    alerts,
		patients:  patients,
		hospitals: hospitals,
		care:      care,
		intakes:   intakes,
		publisher: events.Noop{},
		logger:    logger.With().Str("component", "emergency").Logger(),
		now:       time.Now,
	}
}

func (r *Router) SetPublisher(p events.Publisher) { r.publisher = p }

// SendAlert raises an alert for the patient at hospitalID, or at the first
// hospital of the patient's region by name when hospitalID is nil.
func (r *Router) SendAlert(ctx context.Context, patientID uuid.UUID, hospitalID *uuid.UUID) (*Alert, error) {
	patient, err := r.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, lookupError("get patient", err, ErrPatientNotFound)
	}
	if !patient.HasRegion() {
		return nil, ErrMissingLocation
	}
	region := *patient.Region

	hospital, err := r.resolveHospital(ctx, region, hospitalID)
	if err != nil {
		if errors.Is(err, ErrRegionMismatch) {
			r.logger.Warn().
				Str("patient_id", patientID.String()).
				Str("hospital_id", hospitalID.String()).
				Msg("alert rejected, hospital outside patient region")
		}
		return nil, err
	}

	var intakes []IntakeSnapshot
	var care []*directory.ScheduledCare
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if intakes, err = r.intakes(gctx, patientID, HistoryDepth); err != nil {
			return fmt.Errorf("recent intakes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if care, err = r.care.RecentByPatient(gctx, patientID, HistoryDepth); err != nil {
			return fmt.Errorf("recent scheduled care: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, db.Unavailable("snapshot history", err)
	}

	alert := &Alert{
		ID:         uuid.New(),
		PatientID:  patientID,
		HospitalID: hospital.ID,
		Status:     StatusPending,
		Patient: PatientSnapshot{
			ID:      patient.ID,
			Name:    patient.Name,
			Phone:   patient.Phone,
			Email:   patient.Email,
			Address: patient.Address,
			Region:  region,
		},
		RecentIntakes: append([]IntakeSnapshot{}, firstN(intakes, HistoryDepth)...),
		RecentCare: lo.Map(firstN(care, HistoryDepth), func(s *directory.ScheduledCare, _ int) CareSnapshot {
			return CareSnapshot{
				ID:           s.ID,
				HospitalID:   s.HospitalID,
				DoctorID:     s.DoctorID,
				ScheduledFor: s.ScheduledFor,
				Reason:       s.Reason,
				Status:       s.Status,
			}
		}),
	}
	if err := r.alerts.Create(ctx, alert); err != nil {
		return nil, db.Unavailable("create alert", err)
	}

	events.Emit(ctx, r.publisher, r.logger, events.New(events.AlertCreated, alert.HospitalID, alert.ID, map[string]interface{}{
		"patient_id":   alert.PatientID,
		"patient_name": alert.Patient.Name,
		"status":       alert.Status,
	}))
	r.logger.Info().
		Str("alert_id", alert.ID.String()).
		Str("patient_id", patientID.String()).
		Str("hospital_id", alert.HospitalID.String()).
		Bool("hospital_chosen", hospitalID == nil).
		Msg("emergency alert raised")
	return alert, nil
}

func (r *Router) resolveHospital(ctx context.Context, region string, hospitalID *uuid.UUID) (*directory.Hospital, error) {
	if hospitalID != nil {
		h, err := r.hospitals.GetByID(ctx, *hospitalID)
		if err != nil {
			return nil, lookupError("get hospital", err, ErrHospitalNotFound)
		}
		if !directory.SameRegion(h.Region, region) {
			return nil, ErrRegionMismatch
		}
		return h, nil
	}

	candidates, err := r.hospitals.ListByRegion(ctx, region)
	if err != nil {
		return nil, db.Unavailable("list hospitals", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoHospitalInRegion
	}
	return candidates[0], nil
}

// UpdateStatus moves an alert forward in its lifecycle on behalf of staffID.
func (r *Router) UpdateStatus(ctx context.Context, alertID uuid.UUID, next Status, staffID string) (*Alert, error) {
	if !next.Valid() {
		return nil, ErrInvalidStatus
	}
	alert, err := r.alerts.GetByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	from := alert.Status
	if !from.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, next)
	}

	alert.advance(next, staffID, r.now().UTC())
	if err := r.alerts.UpdateStatus(ctx, alert, from); err != nil {
		return nil, err
	}

	events.Emit(ctx, r.publisher, r.logger, events.New(events.AlertStatusChanged, alert.HospitalID, alert.ID, map[string]interface{}{
		"from":       from,
		"to":         next,
		"handled_by": staffID,
	}))
	r.logger.Info().
		Str("alert_id", alert.ID.String()).
		Str("from", string(from)).
		Str("to", string(next)).
		Msg("emergency alert status changed")
	return alert, nil
}

func (r *Router) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return r.alerts.GetByID(ctx, id)
}

func (r *Router) ListByHospital(ctx context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Alert, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	return r.alerts.ListByHospital(ctx, hospitalID, status, limit, offset)
}

func (r *Router) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Alert, int, error) {
	return r.alerts.ListByPatient(ctx, patientID, limit, offset)
}

func lookupError(op string, err, notFound error) error {
	if errors.Is(err, directory.ErrNotFound) {
		return notFound
	}
	return db.Unavailable(op, err)
}

func firstN[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}
