package auth

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Repository defines persistence operations for the auth module.
type Repository interface {
	GetOrg(ctx context.Context, id int64) (*Org, error)
}

// Service wraps API token authentication rules.
type Service struct {
	repo Repository
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates a bearer token of the form "rk_<orgID>_<secret>".
// The secret is compared against the org's bcrypt hash.
func (s *Service) Authenticate(ctx context.Context, token string) (*Org, error) {
	rest, ok := strings.CutPrefix(token, "rk_")
	if !ok {
		return nil, ErrNotAuthorized
	}
	idPart, secret, ok := strings.Cut(rest, "_")
	if !ok || secret == "" {
		return nil, ErrNotAuthorized
	}
	orgID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, ErrNotAuthorized
	}
	org, err := s.repo.GetOrg(ctx, orgID)
	if err != nil {
		return nil, ErrNotAuthorized
	}
	if !org.IsActive {
		return nil, ErrNotAuthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(org.TokenHash), []byte(secret)); err != nil {
		return nil, ErrNotAuthorized
	}
	return org, nil
}

// HashToken produces the bcrypt hash stored for a token secret. Used by
// provisioning tooling.
func HashToken(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
