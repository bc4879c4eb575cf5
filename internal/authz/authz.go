package authz

import (
	"context"

	"classattend/internal/auth"
	"classattend/internal/classkey"
	"classattend/internal/session"
)

// AdvisorDirectory answers whether a staff actor advises a class.
type AdvisorDirectory interface {
	IsAdvisor(ctx context.Context, staffID string, key classkey.Key) (bool, error)
}

// Service evaluates the capability predicate used by override resolution:
// an actor holds elevated authority over a class when they are in the
// administrator tier or are the class's faculty advisor. Evaluated once
// per operation instead of scattering role-string comparisons.
type Service struct {
	dir AdvisorDirectory
}

// New creates the predicate service.
func New(dir AdvisorDirectory) *Service {
	return &Service{dir: dir}
}

// HasElevatedAuthorityOver implements session.Authorizer.
func (s *Service) HasElevatedAuthorityOver(ctx context.Context, actor session.Actor, key classkey.Key) (bool, error) {
	if auth.AdminTier(actor.Role) {
		return true, nil
	}
	if s.dir == nil {
		return false, nil
	}
	return s.dir.IsAdvisor(ctx, actor.ID, key)
}
