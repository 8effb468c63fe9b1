package triage

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrHospitalNotFound = fmt.Errorf("%w: hospital not found", ErrInvalidInput)
	ErrPatientNotFound  = fmt.Errorf("%w: patient not found", ErrInvalidInput)
	ErrEntryNotFound    = errors.New("intake entry not found")
	ErrNotInQueueState  = errors.New("intake entry is not queued")
	ErrInvalidScope     = fmt.Errorf("%w: scope must be completed or all", ErrInvalidInput)
)
