package referral

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("referral not found")
	// ErrStale means the stored referral no longer matches the expected snapshot.
	ErrStale = errors.New("referral changed concurrently")
)

// Status narrows a listing by approval progress.
type Status int

const (
	StatusAny Status = iota
	// StatusAwaitingAdmin: stage 1 done and stage 2 or 3 still open.
	StatusAwaitingAdmin
	// StatusAwaitingFinal: stage 3 done, stage 4 open.
	StatusAwaitingFinal
	// StatusCompleted: all four stages done.
	StatusCompleted
)

// Visibility restricts results to referrals created by UserID or targeting ClinicID.
type Visibility struct {
	UserID   uuid.UUID
	ClinicID uuid.UUID
}

// Criteria is a storage-neutral listing query. Only active referrals are
// ever returned; all set conditions are combined with AND.
type Criteria struct {
	Status         Status
	TargetClinicID *uuid.UUID
	VisibleTo      *Visibility
	// Search matches patient first/last name or national id, case-insensitive.
	Search string
	Limit  int
	Offset int
}

type Repository interface {
	// Create persists r and fills ID, CreatedAt and VersionID.
	Create(ctx context.Context, r *Referral) error
	// GetByID returns the referral whether or not it is active.
	GetByID(ctx context.Context, id uuid.UUID) (*Referral, error)
	// UpdateIfUnchanged writes r only if the stored row still matches
	// expected, returning ErrStale otherwise. On success r.VersionID and
	// r.ModifiedAt reflect the stored values.
	UpdateIfUnchanged(ctx context.Context, r *Referral, expected Snapshot) error
	// List returns a page ordered by created_at DESC, id DESC, and the total.
	List(ctx context.Context, c Criteria) ([]*Referral, int, error)
	// ListByPatient returns the patient's active referrals, most recent first.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Referral, error)
}
