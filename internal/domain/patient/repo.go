package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("patient not found")
	ErrExpedienteNotFound = errors.New("expediente not found")
)

type PatientRepository interface {
	// FindActiveByID returns ErrNotFound for missing or inactive patients.
	FindActiveByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// SetClinic moves an active patient to clinicID on behalf of actor.
	SetClinic(ctx context.Context, id, clinicID, actor uuid.UUID) error
}

type ExpedienteRepository interface {
	// FindByIDAndPatient returns ErrExpedienteNotFound unless the expediente
	// exists, is active and belongs to patientID.
	FindByIDAndPatient(ctx context.Context, id, patientID uuid.UUID) (*Expediente, error)
}
