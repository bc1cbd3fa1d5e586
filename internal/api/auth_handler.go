package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"keycloak-portal/internal/auth"
	"keycloak-portal/internal/biz"

	"github.com/gorilla/mux"
)

// AuthHandler handles the login redirect, the provider callback and logout.
type AuthHandler struct {
	adapters *auth.Adapters
	sessions *Sessions
	baseURL  string
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewAuthHandler creates a new auth handler. limiter may be nil.
func NewAuthHandler(adapters *auth.Adapters, sessions *Sessions, baseURL string, limiter *RateLimiter, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		adapters: adapters,
		sessions: sessions,
		baseURL:  strings.TrimRight(baseURL, "/"),
		limiter:  limiter,
		logger:   logger,
	}
}

// RegisterRoutes registers auth routes
func (h *AuthHandler) RegisterRoutes(r *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	r.Handle("/auth/login", h.limited(h.login)).Methods(http.MethodGet)
	r.Handle("/auth/callback", h.limited(h.callback)).Methods(http.MethodGet)
	r.Handle("/auth/logout", h.limited(h.logout)).Methods(http.MethodPost)

	// /api/me is for API clients holding an ID token, not for browser sessions.
	if authMiddleware != nil {
		r.Handle("/api/me", authMiddleware(http.HandlerFunc(h.me))).Methods(http.MethodGet)
	}
}

func (h *AuthHandler) limited(fn http.HandlerFunc) http.Handler {
	if h.limiter == nil {
		return fn
	}
	return h.limiter.Middleware(fn)
}

// loginOptions reads the optional provider parameters of /auth/login.
func loginOptions(q url.Values) *biz.LoginOptions {
	opts := &biz.LoginOptions{
		RedirectURI: orHome(safeReturnURL(q.Get("returnUrl"))),
		Prompt:      q.Get("prompt"),
		LoginHint:   q.Get("login_hint"),
		IDPHint:     q.Get("kc_idp_hint"),
		Locale:      q.Get("ui_locales"),
		Action:      q.Get("kc_action"),
		Scope:       q.Get("scope"),
	}
	if v, err := strconv.Atoi(q.Get("max_age")); err == nil && v >= 0 {
		opts.MaxAge = v
	}
	return opts
}

// login redirects the browser to the provider.
func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, coord := h.sessions.Resolve(w, r)
	if !coord.CanLogin() {
		http.Redirect(w, r, biz.UnauthorizedPath, http.StatusFound)
		return
	}

	target, err := coord.Login(ctx, loginOptions(r.URL.Query()))
	if err != nil || target == "" {
		http.Redirect(w, r, biz.LoginPath+"?error=provider", http.StatusFound)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// callback completes the authorization code flow for this browser session.
func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boundary, coord := h.sessions.Resolve(w, r)
	adapter := h.adapters.For(boundary)
	if adapter == nil {
		http.Redirect(w, r, biz.LoginPath+"?error=state", http.StatusFound)
		return
	}

	returnTo, err := adapter.HandleCallback(ctx, r.URL.Query())
	returnTo = safeReturnURL(returnTo)
	coord.UpdateStatus(ctx)

	switch {
	case err == nil:
		http.Redirect(w, r, orHome(returnTo), http.StatusFound)
	case errors.Is(err, auth.ErrLoginRequired):
		// silent check found no provider session: fall back to interactive login
		q := url.Values{"sso": {"done"}}
		if returnTo != "" {
			q.Set("returnUrl", returnTo)
		}
		http.Redirect(w, r, biz.LoginPath+"?"+q.Encode(), http.StatusFound)
	case errors.Is(err, biz.ErrInvalidState):
		h.logger.Warn("callback with unknown state", "session", boundary.SessionID())
		http.Redirect(w, r, biz.LoginPath+"?error=state", http.StatusFound)
	default:
		h.logger.Error("callback failed", "session", boundary.SessionID(), "error", err)
		http.Redirect(w, r, biz.LoginPath+"?error=provider", http.StatusFound)
	}
}

// logout clears the session and redirects to the provider end-session endpoint.
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boundary, coord := h.sessions.Resolve(w, r)

	target, err := coord.Logout(ctx, h.baseURL+biz.HomePath)
	if err != nil {
		h.logger.Error("logout failed", "session", boundary.SessionID(), "error", err)
	}
	h.sessions.End(w, boundary)
	if target == "" {
		target = biz.HomePath
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// me returns the user carried by the bearer token.
func (h *AuthHandler) me(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.Sub,
		"email":    user.Email,
		"name":     user.Name,
		"username": user.PreferredUsername,
	})
}
