package clients

import (
	"context"
	"errors"
	"strings"
)

// RepositoryPort defines data access methods for clients.
type RepositoryPort interface {
	Create(ctx context.Context, input CreateClientInput) (*Client, error)
	Get(ctx context.Context, orgID, id int64) (*Client, error)
	List(ctx context.Context, orgID int64) ([]Client, error)
	Update(ctx context.Context, input UpdateClientInput) (*Client, error)
	FindByEmails(ctx context.Context, orgID int64, emails []string) ([]Client, error)
}

// Service handles client record business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Create validates and creates a client record.
func (s *Service) Create(ctx context.Context, input CreateClientInput) (*Client, error) {
	if input.OrgID == 0 {
		return nil, errors.New("organization ID required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("client name is required")
	}
	if !strings.Contains(input.Email, "@") {
		return nil, errors.New("client email is invalid")
	}
	return s.repo.Create(ctx, input)
}

// Get returns a client record.
func (s *Service) Get(ctx context.Context, orgID, id int64) (*Client, error) {
	return s.repo.Get(ctx, orgID, id)
}

// List returns all clients of an organization.
func (s *Service) List(ctx context.Context, orgID int64) ([]Client, error) {
	return s.repo.List(ctx, orgID)
}

// Update validates and updates a client record.
func (s *Service) Update(ctx context.Context, input UpdateClientInput) (*Client, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errors.New("client name is required")
	}
	if !strings.Contains(input.Email, "@") {
		return nil, errors.New("client email is invalid")
	}
	return s.repo.Update(ctx, input)
}
