package auth

import (
	"context"
	"errors"
	"time"
)

// Org is an organization account with API access to the service.
type Org struct {
	ID        int64
	Name      string
	TokenHash string
	IsActive  bool
	CreatedAt time.Time
}

// ErrNotAuthorized indicates a request without valid organization context.
var ErrNotAuthorized = errors.New("auth: not authorized")

type orgContextKey struct{}

// ContextWithOrg stores the authenticated organization in context.
func ContextWithOrg(ctx context.Context, org *Org) context.Context {
	return context.WithValue(ctx, orgContextKey{}, org)
}

// OrgFromContext extracts the authenticated organization from context.
func OrgFromContext(ctx context.Context) *Org {
	org, _ := ctx.Value(orgContextKey{}).(*Org)
	return org
}
