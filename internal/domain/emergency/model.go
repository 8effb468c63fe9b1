package emergency

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrHospitalNotFound   = errors.New("hospital not found")
	ErrAlertNotFound      = errors.New("emergency alert not found")
	ErrMissingLocation    = errors.New("patient has no recorded region")
	ErrRegionMismatch     = errors.New("hospital is outside the patient's region")
	ErrNoHospitalInRegion = errors.New("no hospital in the patient's region")
	ErrInvalidStatus      = errors.New("unknown alert status")
	ErrInvalidTransition  = errors.New("alert status can only move forward")
)

// HistoryDepth is how many intakes and scheduled-care records an alert
// snapshots.
const HistoryDepth = 5

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusResponded    Status = "RESPONDED"
	StatusClosed       Status = "CLOSED"
)

var statusOrder = map[Status]int{
	StatusPending:      0,
	StatusAcknowledged: 1,
	StatusResponded:    2,
	StatusClosed:       3,
}

func (s Status) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// CanTransition reports whether moving from s to next goes strictly forward
// along PENDING, ACKNOWLEDGED, RESPONDED, CLOSED.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	return ok && to > from
}

// PatientSnapshot is the patient's contact and location at alert time.
type PatientSnapshot struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Phone   *string   `json:"phone,omitempty"`
	Email   *string   `json:"email,omitempty"`
	Address *string   `json:"address,omitempty"`
	Region  string    `json:"region"`
}

type IntakeSnapshot struct {
	ID          uuid.UUID `json:"id"`
	HospitalID  uuid.UUID `json:"hospital_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Condition   *string   `json:"condition,omitempty"`
	Severity    int       `json:"severity"`
	Status      string    `json:"status"`
}

type CareSnapshot struct {
	ID           uuid.UUID  `json:"id"`
	HospitalID   uuid.UUID  `json:"hospital_id"`
	DoctorID     *uuid.UUID `json:"doctor_id,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Reason       *string    `json:"reason,omitempty"`
	Status       string     `json:"status"`
}

// Alert maps to the emergency_alert table. The snapshot fields are written
// once at creation and never updated.
type Alert struct {
	ID             uuid.UUID        `db:"id" json:"id"`
	PatientID      uuid.UUID        `db:"patient_id" json:"patient_id"`
	HospitalID     uuid.UUID        `db:"hospital_id" json:"hospital_id"`
	Status         Status           `db:"status" json:"status"`
	Patient        PatientSnapshot  `db:"patient_snapshot" json:"patient"`
	RecentIntakes  []IntakeSnapshot `db:"intake_snapshot" json:"recent_intakes"`
	RecentCare     []CareSnapshot   `db:"care_snapshot" json:"recent_care"`
	AcknowledgedAt *time.Time       `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	RespondedAt    *time.Time       `db:"responded_at" json:"responded_at,omitempty"`
	ClosedAt       *time.Time       `db:"closed_at" json:"closed_at,omitempty"`
	HandledBy      *string          `db:"handled_by" json:"handled_by,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// advance moves the alert to next and stamps the matching timestamp.
func (a *Alert) advance(next Status, staffID string, at time.Time) {
	a.Status = next
	switch next {
	case StatusAcknowledged:
		a.AcknowledgedAt = &at
	case StatusResponded:
		a.RespondedAt = &at
	case StatusClosed:
		a.ClosedAt = &at
	}
	if staffID != "" {
		a.HandledBy = &staffID
	}
	a.UpdatedAt = at
}
