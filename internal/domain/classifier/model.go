package classifier

import (
	"context"
	"errors"
)

var (
	// ErrClassificationUnavailable covers network failures, timeouts and
	// non-2xx answers from the classification service.
	ErrClassificationUnavailable = errors.New("classification unavailable")
	// ErrInvalidDocument is returned for documents that fail the size or type
	// bounds; it is a client error.
	ErrInvalidDocument = errors.New("invalid document")
)

// Controlled specialty vocabulary. Doctors are matched on these labels
// exactly.
const (
	Cardiology        = "Cardiology"
	Neurology         = "Neurology"
	Orthopedics       = "Orthopedics"
	Pediatrics        = "Pediatrics"
	Dermatology       = "Dermatology"
	Ophthalmology     = "Ophthalmology"
	Psychiatry        = "Psychiatry"
	EmergencyMedicine = "Emergency Medicine"
	GeneralMedicine   = "General Medicine"
)

// Specialties lists the vocabulary in keyword-matching order.
var Specialties = []string{
	Cardiology, Neurology, Orthopedics, Pediatrics, Dermatology,
	Ophthalmology, Psychiatry, EmergencyMedicine, GeneralMedicine,
}

const (
	MinSeverity = 0
	MaxSeverity = 10
)

// Result is the structured reading of a classifier narrative.
type Result struct {
	Condition            string  `json:"condition"`
	Severity             int     `json:"severity"`
	RecommendedSpecialty *string `json:"recommended_specialty"`
	Narrative            string  `json:"narrative"`
}

// Document is a validated upload ready for classification.
type Document struct {
	Bytes       []byte
	ContentType string
	Pages       int
}

type Classifier interface {
	Classify(ctx context.Context, doc Document) (*Result, error)
}
