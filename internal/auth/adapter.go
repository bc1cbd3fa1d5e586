package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/platform"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Browser storage keys
const (
	keyAccessToken  = "kc.access_token"
	keyRefreshToken = "kc.refresh_token"
	keyIDToken      = "kc.id_token"
	keyExpiresAt    = "kc.token_expires_at"
)

// ErrLoginRequired is returned by HandleCallback when a silent (prompt=none)
// check found no provider session.
var ErrLoginRequired = errors.New("login required")

// Adapters builds session adapters sharing one client and state store.
type Adapters struct {
	client      *KeycloakClient
	states      *StateStore
	minValidity time.Duration
	logger      *slog.Logger
	now         func() time.Time
	// refreshes coalesces token refreshes per session id
	refreshes singleflight.Group
}

// NewAdapters creates the adapter factory.
func NewAdapters(client *KeycloakClient, states *StateStore, minValidity time.Duration, logger *slog.Logger) *Adapters {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapters{
		client:      client,
		states:      states,
		minValidity: minValidity,
		logger:      logger,
		now:         time.Now,
	}
}

// For returns the adapter for a browser boundary, or nil in server context.
func (a *Adapters) For(boundary platform.Boundary) *SessionAdapter {
	if !boundary.IsBrowser() {
		return nil
	}
	storage, ok := boundary.Storage()
	if !ok {
		return nil
	}
	return &SessionAdapter{
		Adapters:  a,
		sessionID: boundary.SessionID(),
		storage:   storage,
	}
}

// Factory adapts For to the coordinator pool.
func (a *Adapters) Factory() biz.AdapterFactory {
	return func(boundary platform.Boundary) biz.IdentityAdapter {
		if s := a.For(boundary); s != nil {
			return s
		}
		return nil
	}
}

// SessionAdapter is the identity client of one browser session. Tokens live
// in the session's storage partition.
type SessionAdapter struct {
	*Adapters
	sessionID string
	storage   platform.Storage
}

var _ biz.IdentityAdapter = (*SessionAdapter)(nil)

type tokenSet struct {
	access  string
	refresh string
	id      string
	expiry  time.Time
}

func (s *SessionAdapter) load(ctx context.Context) (*tokenSet, error) {
	get := func(key string) (string, error) {
		v, _, err := s.storage.Get(ctx, key)
		return v, err
	}
	access, err := get(keyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	if access == "" {
		return nil, biz.ErrNoTokens
	}
	t := &tokenSet{access: access}
	if t.refresh, err = get(keyRefreshToken); err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	if t.id, err = get(keyIDToken); err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	exp, err := get(keyExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", err)
	}
	if sec, err := strconv.ParseInt(exp, 10, 64); err == nil {
		t.expiry = time.Unix(sec, 0)
	}
	return t, nil
}

func (s *SessionAdapter) save(ctx context.Context, tok *oauth2.Token) error {
	expiry := tok.Expiry
	if expiry.IsZero() {
		if claims, err := ParseAccessClaims(tok.AccessToken); err == nil && claims.ExpiresAt != nil {
			expiry = claims.ExpiresAt.Time
		}
	}
	values := map[string]string{
		keyAccessToken: tok.AccessToken,
		keyExpiresAt:   strconv.FormatInt(expiry.Unix(), 10),
	}
	// 刷新响应可能不带新的 refresh/id token，保留旧值
	if tok.RefreshToken != "" {
		values[keyRefreshToken] = tok.RefreshToken
	}
	if rawID, ok := tok.Extra("id_token").(string); ok && rawID != "" {
		values[keyIDToken] = rawID
	}
	for k, v := range values {
		if err := s.storage.Set(ctx, k, v); err != nil {
			return fmt.Errorf("failed to store tokens: %w", err)
		}
	}
	return nil
}

func (s *SessionAdapter) clearTokens(ctx context.Context) {
	if err := s.storage.Delete(ctx, keyAccessToken, keyRefreshToken, keyIDToken, keyExpiresAt); err != nil {
		s.logger.Error("failed to clear tokens", "session", s.sessionID, "error", err)
	}
}

// validToken returns tokens valid for at least minValidity, refreshing them if needed.
func (s *SessionAdapter) validToken(ctx context.Context, minValidity time.Duration) (*tokenSet, bool, error) {
	t, err := s.load(ctx)
	if err != nil {
		return nil, false, err
	}
	if s.now().Add(minValidity).Before(t.expiry) {
		return t, false, nil
	}
	v, err, _ := s.refreshes.Do(s.sessionID, func() (any, error) {
		return s.refresh(ctx, minValidity)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*tokenSet), true, nil
}

// refresh exchanges the refresh token. Tokens refreshed by a concurrent
// request in the meantime are returned as they are.
func (s *SessionAdapter) refresh(ctx context.Context, minValidity time.Duration) (*tokenSet, error) {
	t, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if s.now().Add(minValidity).Before(t.expiry) {
		return t, nil
	}
	if t.refresh == "" {
		s.clearTokens(ctx)
		return nil, biz.ErrSessionExpired
	}

	tok, err := s.client.RefreshToken(ctx, t.refresh)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			// the provider rejected the refresh token
			s.clearTokens(ctx)
			return nil, fmt.Errorf("%w: %v", biz.ErrSessionExpired, err)
		}
		return nil, fmt.Errorf("%w: failed to refresh token: %v", biz.ErrProviderUnavailable, err)
	}
	if err := s.save(ctx, tok); err != nil {
		return nil, err
	}
	return s.load(ctx)
}

// UpdateToken refreshes the tokens if they expire within minValidity.
func (s *SessionAdapter) UpdateToken(ctx context.Context, minValidity time.Duration) (bool, error) {
	_, refreshed, err := s.validToken(ctx, minValidity)
	return refreshed, err
}

// Authenticated reports whether the session holds a valid token.
func (s *SessionAdapter) Authenticated(ctx context.Context) (bool, error) {
	_, _, err := s.validToken(ctx, s.minValidity)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, biz.ErrNoTokens), errors.Is(err, biz.ErrSessionExpired):
		s.logger.Debug("session not authenticated", "session", s.sessionID, "reason", err)
		return false, nil
	default:
		return false, err
	}
}

func (s *SessionAdapter) LoadUserProfile(ctx context.Context) (*biz.Profile, error) {
	t, _, err := s.validToken(ctx, s.minValidity)
	if err != nil {
		return nil, err
	}
	return s.client.LoadAccount(ctx, t.access)
}

func (s *SessionAdapter) UpdateUserProfile(ctx context.Context, update *biz.ProfileUpdate) error {
	t, _, err := s.validToken(ctx, s.minValidity)
	if err != nil {
		return err
	}
	return s.client.UpdateAccount(ctx, t.access, update)
}

func (s *SessionAdapter) UserRoles(ctx context.Context, all bool) ([]string, error) {
	t, _, err := s.validToken(ctx, s.minValidity)
	if err != nil {
		return nil, err
	}
	claims, err := ParseAccessClaims(t.access)
	if err != nil {
		return nil, err
	}
	return claims.Roles(s.client.ClientID(), all), nil
}

// Login registers a pending login and returns the provider authorization URL.
func (s *SessionAdapter) Login(ctx context.Context, opts *biz.LoginOptions) (string, error) {
	if opts == nil {
		opts = &biz.LoginOptions{}
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return "", err
	}
	state, err := randomString(32)
	if err != nil {
		return "", err
	}
	nonce, err := randomString(16)
	if err != nil {
		return "", err
	}

	s.states.Save(state, StateTTL, StateData{
		SessionID:    s.sessionID,
		CodeVerifier: verifier,
		Nonce:        nonce,
		ReturnTo:     opts.RedirectURI,
		Silent:       opts.Prompt == "none",
	})
	return s.client.GetAuthURLWithPKCE(state, GenerateCodeChallenge(verifier), nonce, opts), nil
}

// HandleCallback completes a login started by this session and returns the
// URL the user originally asked for.
func (s *SessionAdapter) HandleCallback(ctx context.Context, query url.Values) (string, error) {
	data, ok := s.states.Consume(query.Get("state"), s.sessionID)
	if !ok {
		return "", biz.ErrInvalidState
	}

	if e := query.Get("error"); e != "" {
		switch e {
		case "login_required", "interaction_required", "consent_required":
			if data.Silent {
				return data.ReturnTo, ErrLoginRequired
			}
		}
		return data.ReturnTo, fmt.Errorf("provider error: %s: %s", e, query.Get("error_description"))
	}

	code := query.Get("code")
	if code == "" {
		return data.ReturnTo, errors.New("missing authorization code")
	}

	// Exchange code for tokens using PKCE
	tok, err := s.client.ExchangeCodeWithPKCE(ctx, code, data.CodeVerifier)
	if err != nil {
		return data.ReturnTo, fmt.Errorf("failed to exchange code: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return data.ReturnTo, errors.New("no id_token in response")
	}
	idToken, err := s.client.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return data.ReturnTo, fmt.Errorf("failed to verify ID token: %w", err)
	}
	if idToken.Nonce != data.Nonce {
		return data.ReturnTo, errors.New("ID token nonce mismatch")
	}

	if err := s.save(ctx, tok); err != nil {
		return data.ReturnTo, err
	}
	s.logger.Info("login completed", "session", s.sessionID, "subject", idToken.Subject)
	return data.ReturnTo, nil
}

// Logout clears the session storage and returns the provider end-session URL.
func (s *SessionAdapter) Logout(ctx context.Context, redirectURI string) (string, error) {
	hint, _, err := s.storage.Get(ctx, keyIDToken)
	if err != nil {
		s.logger.Warn("failed to read id token hint", "session", s.sessionID, "error", err)
	}
	if err := s.storage.Clear(ctx); err != nil {
		return "", fmt.Errorf("failed to clear session: %w", err)
	}
	return s.client.EndSessionURL(hint, redirectURI), nil
}

func (s *SessionAdapter) Instance(ctx context.Context) (*biz.Instance, error) {
	t, err := s.load(ctx)
	if errors.Is(err, biz.ErrNoTokens) {
		return &biz.Instance{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !s.now().Before(t.expiry) {
		return &biz.Instance{}, nil
	}
	return &biz.Instance{Authenticated: true, Token: t.access, Expiry: t.expiry}, nil
}
