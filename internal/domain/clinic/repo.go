package clinic

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("clinic not found")

type Repository interface {
	// FindActiveByID returns ErrNotFound for missing or inactive clinics.
	FindActiveByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	CountActiveStaff(ctx context.Context, clinicID uuid.UUID) (int, error)
	// ListActive returns active clinics ordered by name.
	ListActive(ctx context.Context) ([]*Clinic, error)
}
