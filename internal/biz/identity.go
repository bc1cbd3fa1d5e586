package biz

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoTokens is returned when the browser session holds no tokens.
	ErrNoTokens = errors.New("no tokens in browser session")
	// ErrSessionExpired is returned when the provider rejects the session.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidState is returned when a login callback carries an unknown or foreign state.
	ErrInvalidState = errors.New("invalid state parameter")
	// ErrProviderUnavailable is returned when the identity provider cannot be reached.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	// ErrNotInitialized is returned when the adapter has no provider instance yet.
	ErrNotInitialized = errors.New("identity client not initialized")
)

// Profile is the user profile held by the identity provider.
type Profile struct {
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	FirstName     string              `json:"firstName"`
	LastName      string              `json:"lastName"`
	Email         string              `json:"email"`
	EmailVerified bool                `json:"emailVerified"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// Attribute returns the first value of a custom attribute.
func (p *Profile) Attribute(name string) string {
	if p == nil {
		return ""
	}
	if v := p.Attributes[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// ProfileUpdate is the editable subset of a profile.
type ProfileUpdate struct {
	FirstName  string              `json:"firstName" validate:"required"`
	LastName   string              `json:"lastName" validate:"required"`
	Email      string              `json:"email" validate:"required,email"`
	Phone      string              `json:"-" validate:"omitempty,phone"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// LoginOptions are passed through to the provider's authorization request.
type LoginOptions struct {
	RedirectURI string
	Prompt      string
	MaxAge      int
	LoginHint   string
	IDPHint     string
	Scope       string
	Locale      string
	Action      string
}

// Instance is the adapter's view of the current provider session.
type Instance struct {
	Authenticated bool
	Token         string
	Expiry        time.Time
}

// IdentityAdapter is the identity client bound to one browser session.
type IdentityAdapter interface {
	// Authenticated reports whether the session holds a valid (possibly refreshed) token.
	Authenticated(ctx context.Context) (bool, error)
	LoadUserProfile(ctx context.Context) (*Profile, error)
	UpdateUserProfile(ctx context.Context, update *ProfileUpdate) error
	// UserRoles returns realm roles, followed by client roles when all is set.
	UserRoles(ctx context.Context, all bool) ([]string, error)
	// Login returns the provider URL the browser must be sent to.
	Login(ctx context.Context, opts *LoginOptions) (string, error)
	// Logout clears the session and returns the provider end-session URL.
	Logout(ctx context.Context, redirectURI string) (string, error)
	Instance(ctx context.Context) (*Instance, error)
}

// ConnectionTest is the result of probing the provider discovery endpoint.
type ConnectionTest struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	Status  int            `json:"status,omitempty"`
}

// ProviderProbe fetches the provider's discovery document.
type ProviderProbe interface {
	FetchWellKnown(ctx context.Context) (map[string]any, int, error)
}
