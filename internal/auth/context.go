package auth

import (
	"context"
	"errors"
)

type contextKey struct{}

var (
	// ErrNoUserInContext is returned when no user is found in context
	ErrNoUserInContext = errors.New("no authenticated user in context")
)

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *UserInfo) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// GetUserFromContext extracts authenticated user from request context
func GetUserFromContext(ctx context.Context) (*UserInfo, error) {
	user, ok := ctx.Value(contextKey{}).(*UserInfo)
	if !ok || user == nil {
		return nil, ErrNoUserInContext
	}
	return user, nil
}
