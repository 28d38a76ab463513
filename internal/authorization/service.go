package authorization

import (
	"context"
	"errors"
)

// Service decides whether an authenticated API client may perform an action.
type Service interface {
	// Authorize binds subject to role, replacing any earlier binding, and
	// enforces object/action against the role's policy.
	Authorize(ctx context.Context, subject string, role string, object string, action string) error
}

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidSubject = errors.New("invalid_subject")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
)
