package triage

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusCompleted Status = "COMPLETED"
)

// UrgentSeverity is the score at which an entry is flagged for display. The
// flag never changes queue order.
const UrgentSeverity = 8

// IntakeEntry maps to the intake_entry table. Position is set only while
// Status is QUEUED.
type IntakeEntry struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	HospitalID  uuid.UUID  `db:"hospital_id" json:"hospital_id"`
	DoctorID    *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	DocumentRef *string    `db:"document_ref" json:"document_ref,omitempty"`
	SubmittedAt time.Time  `db:"submitted_at" json:"submitted_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	Condition   *string    `db:"condition" json:"condition"`
	Severity    int        `db:"severity" json:"severity"`
	Status      Status     `db:"status" json:"status"`
	Position    *int       `db:"queue_position" json:"queue_position"`
	Narrative   *string    `db:"narrative" json:"narrative"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (e *IntakeEntry) Urgent() bool {
	return e.Severity >= UrgentSeverity
}

// QueueItem is the read view of a queued entry.
type QueueItem struct {
	IntakeEntry
	Urgent bool `json:"urgent"`
}

// QueueView is what staff screens render for one hospital.
type QueueView struct {
	HospitalID uuid.UUID   `json:"hospital_id"`
	Count      int         `json:"count"`
	Urgent     int         `json:"urgent"`
	Entries    []QueueItem `json:"entries"`
}

func NewQueueView(hospitalID uuid.UUID, entries []*IntakeEntry) QueueView {
	view := QueueView{HospitalID: hospitalID, Count: len(entries), Entries: make([]QueueItem, 0, len(entries))}
	for _, e := range entries {
		item := QueueItem{IntakeEntry: *e, Urgent: e.Urgent()}
		if item.Urgent {
			view.Urgent++
		}
		view.Entries = append(view.Entries, item)
	}
	return view
}

// ClearScope selects which entries a bulk clear removes.
type ClearScope string

const (
	ClearCompleted ClearScope = "completed"
	ClearAll       ClearScope = "all"
)

func ParseClearScope(s string) (ClearScope, error) {
	switch ClearScope(s) {
	case "", ClearCompleted:
		return ClearCompleted, nil
	case ClearAll:
		return ClearAll, nil
	}
	return "", ErrInvalidScope
}

// QueueStats summarises the persisted positions of a hospital's queued
// entries.
type QueueStats struct {
	Count    int
	Distinct int
	Min      int
	Max      int
}

// Contiguous reports whether the positions are exactly 1..Count.
func (s QueueStats) Contiguous() bool {
	if s.Count == 0 {
		return true
	}
	return s.Distinct == s.Count && s.Min == 1 && s.Max == s.Count
}
