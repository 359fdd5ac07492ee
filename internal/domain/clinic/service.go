package clinic

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Invalidator is implemented by caching repositories.
type Invalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// ListActive returns the clinics a referral can target.
func (s *Service) ListActive(ctx context.Context) ([]*Clinic, error) {
	clinics, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active clinics: %w", err)
	}
	if clinics == nil {
		clinics = []*Clinic{}
	}
	return clinics, nil
}

// Refresh drops any cached copy of the clinic so the next read hits the store.
func (s *Service) Refresh(ctx context.Context, id uuid.UUID) error {
	inv, ok := s.repo.(Invalidator)
	if !ok {
		return nil
	}
	return inv.Invalidate(ctx, id)
}
