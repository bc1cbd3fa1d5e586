package auth

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapters(t *testing.T, f *fakeKeycloak) *Adapters {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewAdapters(f.client(t), NewStateStore(ctx), 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// startLogin runs Login and lets the fake provider remember the nonce and
// PKCE challenge, as the provider's login page would.
func startLogin(t *testing.T, f *fakeKeycloak, s *SessionAdapter, opts *biz.LoginOptions) url.Values {
	t.Helper()
	target, err := s.Login(context.Background(), opts)
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	q := u.Query()
	f.mu.Lock()
	f.nonce = q.Get("nonce")
	f.challenge = q.Get("code_challenge")
	f.mu.Unlock()
	return q
}

func loggedIn(t *testing.T, f *fakeKeycloak, s *SessionAdapter) {
	t.Helper()
	q := startLogin(t, f, s, &biz.LoginOptions{RedirectURI: "/profile"})
	returnTo, err := s.HandleCallback(context.Background(), url.Values{"state": {q.Get("state")}, "code": {"good-code"}})
	require.NoError(t, err)
	require.Equal(t, "/profile", returnTo)
}

func TestSessionAdapter_LoginBuildsPKCERequest(t *testing.T) {
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))
	require.NotNil(t, s)

	q := startLogin(t, f, s, &biz.LoginOptions{Prompt: "login", LoginHint: "alice", MaxAge: 60})
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEmpty(t, q.Get("state"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.Equal(t, "login", q.Get("prompt"))
	assert.Equal(t, "alice", q.Get("login_hint"))
	assert.Equal(t, "60", q.Get("max_age"))
	assert.Equal(t, "http://localhost:4000/auth/callback", q.Get("redirect_uri"))
}

func TestSessionAdapter_CallbackStoresTokens(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))

	ok, err := s.Authenticated(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	loggedIn(t, f, s)

	ok, err = s.Authenticated(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	inst, err := s.Instance(ctx)
	require.NoError(t, err)
	assert.True(t, inst.Authenticated)
	assert.NotEmpty(t, inst.Token)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), inst.Expiry, 5*time.Second)

	roles, err := s.UserRoles(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "offline_access"}, roles)

	roles, err = s.UserRoles(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "offline_access", "Admin", "manage-account"}, roles)

	profile, err := s.LoadUserProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, "+1 555 0100", profile.Attribute("phone"))
}

func TestSessionAdapter_CallbackRejectsBadState(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	adapters := newTestAdapters(t, f)
	a := adapters.For(browserSession(t, "a"))
	b := adapters.For(browserSession(t, "b"))

	q := startLogin(t, f, a, nil)

	// a state issued to another browser session is refused and consumed
	_, err := b.HandleCallback(ctx, url.Values{"state": {q.Get("state")}, "code": {"good-code"}})
	require.ErrorIs(t, err, biz.ErrInvalidState)
	_, err = a.HandleCallback(ctx, url.Values{"state": {q.Get("state")}, "code": {"good-code"}})
	require.ErrorIs(t, err, biz.ErrInvalidState)

	_, err = a.HandleCallback(ctx, url.Values{"state": {"unknown"}, "code": {"good-code"}})
	require.ErrorIs(t, err, biz.ErrInvalidState)
}

func TestSessionAdapter_CallbackStateIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))

	q := startLogin(t, f, s, nil)
	params := url.Values{"state": {q.Get("state")}, "code": {"good-code"}}
	_, err := s.HandleCallback(ctx, params)
	require.NoError(t, err)
	_, err = s.HandleCallback(ctx, params)
	require.ErrorIs(t, err, biz.ErrInvalidState)
}

func TestSessionAdapter_SilentCheckLoginRequired(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))

	q := startLogin(t, f, s, &biz.LoginOptions{Prompt: "none", RedirectURI: "/dashboard"})
	assert.Equal(t, "none", q.Get("prompt"))

	returnTo, err := s.HandleCallback(ctx, url.Values{"state": {q.Get("state")}, "error": {"login_required"}})
	require.ErrorIs(t, err, ErrLoginRequired)
	assert.Equal(t, "/dashboard", returnTo)

	// an interactive login that fails is a real error
	q = startLogin(t, f, s, nil)
	_, err = s.HandleCallback(ctx, url.Values{"state": {q.Get("state")}, "error": {"access_denied"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLoginRequired)
}

func TestSessionAdapter_CallbackRejectsBadCode(t *testing.T) {
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))

	q := startLogin(t, f, s, nil)
	_, err := s.HandleCallback(context.Background(), url.Values{"state": {q.Get("state")}, "code": {"stolen"}})
	require.Error(t, err)

	ok, err := s.Authenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func expireTokens(t *testing.T, s *SessionAdapter) {
	t.Helper()
	past := strconv.FormatInt(time.Now().Add(-time.Second).Unix(), 10)
	require.NoError(t, s.storage.Set(context.Background(), keyExpiresAt, past))
}

func TestSessionAdapter_RefreshesNearExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))
	loggedIn(t, f, s)

	expireTokens(t, s)
	ok, err := s.Authenticated(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, f.refreshes())

	refreshed, err := s.UpdateToken(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, refreshed)
}

func TestSessionAdapter_ConcurrentRefreshUsesTokenOnce(t *testing.T) {
	f := newFakeKeycloak(t)
	adapters := newTestAdapters(t, f)
	session := browserSession(t, "s1")
	loggedIn(t, f, adapters.For(session))
	expireTokens(t, adapters.For(session))

	// the fake provider rotates refresh tokens, so a second use would be rejected
	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapters.For(session).Authenticated(context.Background())
			assert.NoError(t, err)
			results[i] = ok
		}()
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "request %d", i)
	}
	assert.Equal(t, 1, f.refreshes())
}

func TestSessionAdapter_RejectedRefreshClearsTokens(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))
	loggedIn(t, f, s)

	f.mu.Lock()
	f.validRefresh = ""
	f.mu.Unlock()
	expireTokens(t, s)

	ok, err := s.Authenticated(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.load(ctx)
	assert.ErrorIs(t, err, biz.ErrNoTokens)
}

func TestSessionAdapter_UpdateUserProfile(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))
	loggedIn(t, f, s)

	err := s.UpdateUserProfile(ctx, &biz.ProfileUpdate{
		FirstName: "Alice",
		LastName:  "Pleasance",
		Email:     "alice@example.com",
		Phone:     "+44 20 7946 0000",
	})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "Pleasance", f.updated["lastName"])
	assert.Equal(t, map[string]any{"phone": []any{"+44 20 7946 0000"}}, f.updated["attributes"])
}

func TestSessionAdapter_AccountErrors(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))
	loggedIn(t, f, s)

	tests := []struct {
		status int
		body   string
		want   string
	}{
		{401, "", "Session expired. Please login again."},
		{400, `{"error":"invalid_request"}`, "Invalid username or password"},
		{500, `{"errorMessage":"boom"}`, "Error Code: 500, Message: boom"},
		{503, "", "Error Code: 503, Message: Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			f.mu.Lock()
			f.accountStatus, f.accountBody = tt.status, tt.body
			f.mu.Unlock()

			_, err := s.LoadUserProfile(ctx)
			require.Error(t, err)
			assert.Equal(t, tt.want, ErrorMessage(err))
		})
	}
}

func TestErrorMessage_TransportFailure(t *testing.T) {
	f := newFakeKeycloak(t)
	c := f.client(t)
	f.srv.Close()

	_, err := c.LoadAccount(context.Background(), "token")
	require.ErrorIs(t, err, biz.ErrProviderUnavailable)
	assert.Equal(t, "Cannot connect to server, please try again later", ErrorMessage(err))
}

func TestSessionAdapter_LogoutClearsStorage(t *testing.T) {
	ctx := context.Background()
	f := newFakeKeycloak(t)
	s := newTestAdapters(t, f).For(browserSession(t, "s1"))
	loggedIn(t, f, s)

	target, err := s.Logout(ctx, "http://localhost:4000")
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, f.issuer+"/protocol/openid-connect/logout", u.Scheme+"://"+u.Host+u.Path)
	assert.Equal(t, "http://localhost:4000", u.Query().Get("post_logout_redirect_uri"))
	assert.NotEmpty(t, u.Query().Get("id_token_hint"))

	inst, err := s.Instance(ctx)
	require.NoError(t, err)
	assert.False(t, inst.Authenticated)
}

func TestAdapters_ServerContextHasNoAdapter(t *testing.T) {
	f := newFakeKeycloak(t)
	adapters := newTestAdapters(t, f)
	assert.Nil(t, adapters.For(platform.ServerBoundary()))
	assert.Nil(t, adapters.Factory()(platform.ServerBoundary()))
}
