package triage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/intake/internal/domain/directory"
)

// DefaultLoadThreshold is the queued-patient count at which a doctor stops
// receiving new assignments.
const DefaultLoadThreshold = 5

// LoadCounter reports how many queued entries a doctor currently holds.
type LoadCounter interface {
	CountQueuedByDoctor(ctx context.Context, hospitalID, doctorID uuid.UUID) (int, error)
}

// DoctorPolicy picks the least-loaded doctor of a specialty. It is a
// balancing heuristic; nothing is reserved, so concurrent intakes may both
// pick the same doctor.
type DoctorPolicy struct {
	doctors   directory.DoctorRepository
	load      LoadCounter
	threshold int
	logger    zerolog.Logger
}

func NewDoctorPolicy(doctors directory.DoctorRepository, load LoadCounter, threshold int, logger zerolog.Logger) *DoctorPolicy {
	if threshold <= 0 {
		threshold = DefaultLoadThreshold
	}
	return &DoctorPolicy{
		doctors:   doctors,
		load:      load,
		threshold: threshold,
		logger:    logger.With().Str("component", "doctor_policy").Logger(),
	}
}

// SelectDoctor returns the candidate with the lowest queued load below the
// threshold, keeping store order on ties. It returns nil without error when
// no doctor qualifies.
func (p *DoctorPolicy) SelectDoctor(ctx context.Context, hospitalID uuid.UUID, specialty string) (*directory.Doctor, error) {
	if specialty == "" {
		return nil, nil
	}
	candidates, err := p.doctors.ListByHospitalAndSpecialty(ctx, hospitalID, specialty)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}

	var best *directory.Doctor
	bestLoad := 0
	for _, d := range candidates {
		if d.HospitalID != hospitalID || d.Specialty != specialty {
			continue
		}
		load, err := p.load.CountQueuedByDoctor(ctx, hospitalID, d.ID)
		if err != nil {
			return nil, fmt.Errorf("count load for doctor %s: %w", d.ID, err)
		}
		if load >= p.threshold {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = d, load
		}
	}

	if best == nil {
		p.logger.Debug().
			Str("hospital_id", hospitalID.String()).
			Str("specialty", specialty).
			Int("candidates", len(candidates)).
			Msg("no doctor available")
		return nil, nil
	}
	return best, nil
}

// RefreshAvailability stores load < threshold as the doctor's availability.
func (p *DoctorPolicy) RefreshAvailability(ctx context.Context, hospitalID, doctorID uuid.UUID) error {
	load, err := p.load.CountQueuedByDoctor(ctx, hospitalID, doctorID)
	if err != nil {
		return fmt.Errorf("count load: %w", err)
	}
	return p.doctors.SetAvailability(ctx, doctorID, load < p.threshold)
}
