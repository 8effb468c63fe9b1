package triage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/careline/intake/internal/domain/classifier"
	"github.com/careline/intake/internal/domain/directory"
	"github.com/careline/intake/internal/platform/blobstore"
	"github.com/careline/intake/internal/platform/db"
)

// Warning codes attached to a degraded intake.
const (
	WarnAnalysisUnavailable         = "analysis_unavailable"
	WarnDoctorAssignmentUnavailable = "doctor_assignment_unavailable"
	WarnDocumentNotStored           = "document_not_stored"
)

// DoctorSelector is the part of DoctorPolicy the orchestrator uses.
type DoctorSelector interface {
	SelectDoctor(ctx context.Context, hospitalID uuid.UUID, specialty string) (*directory.Doctor, error)
}

// SubmitRequest is one patient document submitted to one hospital.
type SubmitRequest struct {
	PatientID  uuid.UUID
	HospitalID uuid.UUID
	Document   []byte
	FileName   string
}

// IntakeResult is what a successful submission reports back, degraded or not.
type IntakeResult struct {
	Entry        *IntakeEntry      `json:"entry"`
	HospitalName string            `json:"hospital_name"`
	Doctor       *directory.Doctor `json:"doctor,omitempty"`
	Specialty    *string           `json:"recommended_specialty,omitempty"`
	Degraded     bool              `json:"degraded"`
	Warnings     []string          `json:"warnings"`
}

// Orchestrator runs a submission end to end. Only an unknown hospital or
// patient, a bad document or a storage failure fails the request; every other
// collaborator failure degrades the result instead.
type Orchestrator struct {
	hospitals   directory.HospitalRepository
	patients    directory.PatientRepository
	classifier  classifier.Classifier
	doctors     DoctorSelector
	queue       *QueueManager
	blobs       blobstore.BlobStore
	maxDocBytes int64
	logger      zerolog.Logger
	now         func() time.Time
}

func NewOrchestrator(
	hospitals directory.HospitalRepository,
	patients directory.PatientRepository,
	cls classifier.Classifier,
	doctors DoctorSelector,
	queue *QueueManager,
	blobs blobstore.BlobStore,
	maxDocBytes int64,
	logger zerolog.Logger,
) *Orchestrator {
	if maxDocBytes <= 0 {
		maxDocBytes = classifier.DefaultMaxDocumentBytes
	}
	return &Orchestrator{
		hospitals:   hospitals,
		patients:    patients,
		classifier:  cls,
		doctors:     doctors,
		queue:       queue,
		blobs:       blobs,
		maxDocBytes: maxDocBytes,
		logger:      logger.With().Str("component", "intake").Logger(),
		now:         time.Now,
	}
}

func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*IntakeResult, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if req.HospitalID == uuid.Nil {
		return nil, fmt.Errorf("%w: hospital_id is required", ErrInvalidInput)
	}

	hospital, err := o.hospitals.GetByID(ctx, req.HospitalID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrHospitalNotFound
		}
		return nil, db.Unavailable("get hospital", err)
	}
	if _, err := o.patients.GetByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, db.Unavailable("get patient", err)
	}

	doc, err := classifier.ValidateDocument(req.Document, o.maxDocBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	log := o.logger.With().
		Str("patient_id", req.PatientID.String()).
		Str("hospital_id", req.HospitalID.String()).
		Logger()

	entry := &IntakeEntry{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		HospitalID:  req.HospitalID,
		SubmittedAt: o.now().UTC(),
	}
	result := &IntakeResult{Entry: entry, HospitalName: hospital.Name, Warnings: []string{}}

	analysis, err := o.classifier.Classify(ctx, doc)
	if err != nil {
		log.Warn().Err(err).Msg("classification unavailable, queueing without analysis")
		result.Degraded = true
		result.Warnings = append(result.Warnings, WarnAnalysisUnavailable)
	} else {
		entry.Severity = analysis.Severity
		entry.Condition = optional(analysis.Condition)
		entry.Narrative = optional(analysis.Narrative)
		result.Specialty = analysis.RecommendedSpecialty

		if analysis.RecommendedSpecialty != nil {
			doctor, err := o.doctors.SelectDoctor(ctx, req.HospitalID, *analysis.RecommendedSpecialty)
			if err != nil {
				log.Warn().Err(err).Str("specialty", *analysis.RecommendedSpecialty).Msg("doctor assignment unavailable")
				result.Warnings = append(result.Warnings, WarnDoctorAssignmentUnavailable)
			} else if doctor != nil {
				entry.DoctorID = lo.ToPtr(doctor.ID)
				result.Doctor = doctor
			}
		}
	}

	if ref, err := o.storeDocument(ctx, req, doc); err != nil {
		log.Warn().Err(err).Msg("document not stored")
		result.Warnings = append(result.Warnings, WarnDocumentNotStored)
	} else {
		entry.DocumentRef = &ref
	}

	if _, err := o.queue.Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) storeDocument(ctx context.Context, req SubmitRequest, doc classifier.Document) (string, error) {
	if o.blobs == nil {
		return "", errors.New("no document store configured")
	}
	name := strings.TrimSpace(req.FileName)
	if name == "" {
		name = "document"
	}
	meta, err := o.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    name,
		ContentType: doc.ContentType,
		PatientID:   req.PatientID.String(),
		HospitalID:  req.HospitalID.String(),
	}, bytes.NewReader(doc.Bytes))
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
