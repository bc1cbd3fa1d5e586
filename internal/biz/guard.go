package biz

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"keycloak-portal/internal/metrics"
)

// AuthState is what the guard needs from a coordinator.
type AuthState interface {
	IsLoggedIn(ctx context.Context) bool
	GetUserRoles(ctx context.Context, includeAllRoles bool) []string
	// CanLogin reports whether an interactive login redirect can be started.
	CanLogin() bool
}

// Decision is the outcome of a guard check: allow, or redirect.
type Decision struct {
	Allow    bool
	Redirect string
}

// Allowed is the decision that lets navigation proceed.
var Allowed = Decision{Allow: true}

// RedirectTo builds a redirect decision.
func RedirectTo(target string) Decision { return Decision{Redirect: target} }

// RouteGuard decides whether navigation to a route may proceed.
type RouteGuard struct {
	logger *slog.Logger
}

// NewRouteGuard creates a RouteGuard.
func NewRouteGuard(logger *slog.Logger) *RouteGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteGuard{logger: logger}
}

// LoginRedirect returns the login page URL that returns to requestedURL.
func LoginRedirect(requestedURL string) string {
	if requestedURL == "" {
		return LoginPath
	}
	return LoginPath + "?" + url.Values{"returnUrl": {requestedURL}}.Encode()
}

// CanActivate runs the authentication check, then the role check if the route declares roles.
func (g *RouteGuard) CanActivate(ctx context.Context, state AuthState, route Route, requestedURL string) Decision {
	d := g.decide(ctx, state, route, requestedURL)
	outcome := "allow"
	if !d.Allow {
		outcome = strings.TrimPrefix(strings.SplitN(d.Redirect, "?", 2)[0], "/")
	}
	metrics.RecordGuard(route.Name, outcome)
	return d
}

func (g *RouteGuard) decide(ctx context.Context, state AuthState, route Route, requestedURL string) Decision {
	if !route.Protected && len(route.Roles) == 0 {
		return Allowed
	}

	if !state.IsLoggedIn(ctx) {
		if !state.CanLogin() {
			g.logger.Debug("login redirect unavailable, denying", "route", route.Path)
			return RedirectTo(UnauthorizedPath)
		}
		return RedirectTo(LoginRedirect(requestedURL))
	}

	if len(route.Roles) == 0 {
		return Allowed
	}

	if hasAnyRole(state.GetUserRoles(ctx, true), route.Roles) {
		return Allowed
	}
	g.logger.Info("missing required role", "route", route.Path, "required", route.Roles)
	return RedirectTo(UnauthorizedPath)
}

// hasAnyRole reports whether the two role sets intersect, ignoring case.
func hasAnyRole(actual, required []string) bool {
	have := make(map[string]struct{}, len(actual))
	for _, r := range actual {
		have[strings.ToLower(r)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[strings.ToLower(r)]; ok {
			return true
		}
	}
	return false
}
