// Package identity answers who participants are and whether their identity
// has been verified.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"colisflow/delivery"
)

// ProfileStore abstracts repository operations for the service.
type ProfileStore interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	Save(ctx context.Context, p Profile) error
}

// Service exposes participant lookups.
type Service struct {
	repo ProfileStore
	now  func() time.Time
}

// NewService builds a Service using the provided store.
func NewService(repo ProfileStore) *Service {
	return &Service{repo: repo, now: time.Now}
}

// GetByID returns the participant profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit participant profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// IsVerified reports whether the participant passed identity review. An
// unknown participant is simply not verified.
func (s *Service) IsVerified(ctx context.Context, id string) (bool, error) {
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Verified, nil
}

// Register creates or renames a participant, keeping its verification flag.
func (s *Service) Register(ctx context.Context, id, displayName string) (Profile, error) {
	id = strings.TrimSpace(id)
	displayName = strings.TrimSpace(displayName)
	if id == "" || displayName == "" {
		return Profile{}, fmt.Errorf("identity: id and display name are required: %w", delivery.ErrValidation)
	}
	p, err := s.repo.GetByID(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		p = Profile{ID: id, CreatedAt: s.now().UTC()}
	case err != nil:
		return Profile{}, err
	}
	p.DisplayName = displayName
	if err := s.repo.Save(ctx, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// SetVerified records the outcome of an identity review.
func (s *Service) SetVerified(ctx context.Context, id string, verified bool) (Profile, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	p.Verified = verified
	if err := s.repo.Save(ctx, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}
