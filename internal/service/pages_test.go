package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"keycloak-portal/internal/api"
	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/conf"
	"keycloak-portal/internal/platform"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	mu        sync.Mutex
	loggedIn  bool
	profile   *biz.Profile
	roles     []string
	updateErr error
	updated   *biz.ProfileUpdate
	instance  *biz.Instance
}

func (a *stubAdapter) Authenticated(context.Context) (bool, error) { return a.loggedIn, nil }

func (a *stubAdapter) LoadUserProfile(context.Context) (*biz.Profile, error) {
	if a.profile == nil {
		return nil, biz.ErrProviderUnavailable
	}
	return a.profile, nil
}

func (a *stubAdapter) UpdateUserProfile(_ context.Context, u *biz.ProfileUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updated = u
	return a.updateErr
}

func (a *stubAdapter) UserRoles(context.Context, bool) ([]string, error) { return a.roles, nil }

func (a *stubAdapter) Login(context.Context, *biz.LoginOptions) (string, error) { return "", nil }

func (a *stubAdapter) Logout(context.Context, string) (string, error) { return "", nil }

func (a *stubAdapter) Instance(context.Context) (*biz.Instance, error) {
	if a.instance == nil {
		return &biz.Instance{}, nil
	}
	return a.instance, nil
}

type nopStorage struct{}

func (nopStorage) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (nopStorage) Set(context.Context, string, string) error         { return nil }
func (nopStorage) Delete(context.Context, ...string) error           { return nil }
func (nopStorage) Clear(context.Context) error                       { return nil }

func coordinator(a biz.IdentityAdapter) *biz.Coordinator {
	return biz.NewCoordinator(platform.BrowserBoundary("s1", nopStorage{}), a, biz.CoordinatorConfig{
		Logger:   quietLogger(),
		Interval: time.Hour,
	})
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testService(t *testing.T, static fstest.MapFS) *pageService {
	t.Helper()
	cfg := conf.Default()
	return newPageService(cfg, static, quietLogger())
}

var alice = &biz.Profile{
	Username:   "alice",
	FirstName:  "Alice",
	LastName:   "Liddell",
	Email:      "alice@example.com",
	Attributes: map[string][]string{"phone": {"+1 555 0100"}},
}

func TestHeader(t *testing.T) {
	ctx := context.Background()
	s := testService(t, nil)

	h := s.Header(ctx, coordinator(&stubAdapter{loggedIn: true, profile: alice}))
	assert.Equal(t, api.HeaderView{LoggedIn: true, Greeting: "Alice"}, h)

	h = s.Header(ctx, coordinator(&stubAdapter{loggedIn: true, profile: &biz.Profile{Username: "bob"}}))
	assert.Equal(t, "User", h.Greeting)

	server := biz.NewCoordinator(platform.ServerBoundary(), nil, biz.CoordinatorConfig{Logger: quietLogger()})
	h = s.Header(ctx, server)
	assert.False(t, h.LoggedIn)
}

func TestHome(t *testing.T) {
	ctx := context.Background()
	s := testService(t, nil)

	// not logged in is not an error
	assert.Equal(t, api.HomeView{}, s.Home(ctx, coordinator(&stubAdapter{})))

	v := s.Home(ctx, coordinator(&stubAdapter{loggedIn: true, profile: alice, roles: []string{"user"}}))
	assert.Empty(t, v.Error)
	assert.Equal(t, "alice", v.Profile.Username)
	assert.Equal(t, []string{"user"}, v.Roles)

	v = s.Home(ctx, coordinator(&stubAdapter{loggedIn: true}))
	assert.Equal(t, msgLoadUserData, v.Error)
}

func TestProfile(t *testing.T) {
	s := testService(t, nil)
	v := s.Profile(context.Background(), coordinator(&stubAdapter{loggedIn: true, profile: alice}))
	assert.Equal(t, api.ProfileForm{FirstName: "Alice", LastName: "Liddell", Email: "alice@example.com", Phone: "+1 555 0100"}, v.Form)

	v = s.Profile(context.Background(), coordinator(&stubAdapter{loggedIn: true}))
	assert.Equal(t, msgLoadProfile, v.Error)
}

func TestUpdateProfile_Validation(t *testing.T) {
	valid := api.ProfileForm{FirstName: "Alice", LastName: "Liddell", Email: "alice@example.com"}
	tests := []struct {
		name   string
		mutate func(*api.ProfileForm)
		field  string
		msg    string
	}{
		{"missing first name", func(f *api.ProfileForm) { f.FirstName = "" }, "firstName", "First name is required"},
		{"missing last name", func(f *api.ProfileForm) { f.LastName = "" }, "lastName", "Last name is required"},
		{"bad email", func(f *api.ProfileForm) { f.Email = "alice@" }, "email", "Please enter a valid email address"},
		{"short phone", func(f *api.ProfileForm) { f.Phone = "12345" }, "phone", "Please enter a valid phone number"},
		{"letters in phone", func(f *api.ProfileForm) { f.Phone = "call me maybe" }, "phone", "Please enter a valid phone number"},
	}
	s := testService(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &stubAdapter{loggedIn: true, profile: alice}
			form := valid
			tt.mutate(&form)

			v, err := s.UpdateProfile(context.Background(), coordinator(adapter), form)
			require.NoError(t, err)
			assert.True(t, v.Editing)
			assert.Equal(t, tt.msg, v.Errors[tt.field])
			assert.Nil(t, adapter.updated, "invalid forms are not sent")
		})
	}
}

func TestUpdateProfile_Saves(t *testing.T) {
	adapter := &stubAdapter{loggedIn: true, profile: alice}
	s := testService(t, nil)

	form := api.ProfileForm{FirstName: "Alice", LastName: "Liddell", Email: "alice@example.com", Phone: "+1 (555) 010-0000"}
	v, err := s.UpdateProfile(context.Background(), coordinator(adapter), form)
	require.NoError(t, err)
	assert.Equal(t, msgProfileUpdated, v.Success)
	assert.False(t, v.Editing)
	require.NotNil(t, adapter.updated)
	assert.Equal(t, "+1 (555) 010-0000", adapter.updated.Phone)
}

func TestUpdateProfile_Failures(t *testing.T) {
	form := api.ProfileForm{FirstName: "Alice", LastName: "Liddell", Email: "alice@example.com"}
	s := testService(t, nil)

	_, err := s.UpdateProfile(context.Background(), coordinator(&stubAdapter{loggedIn: true, updateErr: biz.ErrSessionExpired}), form)
	require.ErrorIs(t, err, biz.ErrSessionExpired)

	v, err := s.UpdateProfile(context.Background(), coordinator(&stubAdapter{loggedIn: true, updateErr: biz.ErrProviderUnavailable}), form)
	require.NoError(t, err)
	assert.Equal(t, msgUpdateProfile, v.Error)
	assert.True(t, v.Editing)
}

func TestUnauthorized(t *testing.T) {
	s := testService(t, nil)
	assert.True(t, s.Unauthorized(context.Background(), coordinator(&stubAdapter{loggedIn: true})).LoggedIn)
	assert.False(t, s.Unauthorized(context.Background(), coordinator(&stubAdapter{})).LoggedIn)
}

func fakeRealm(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/r/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"issuer":"http://`+r.Host+`/realms/r"}`)
	})
	mux.HandleFunc("/realms/r/protocol/openid-connect/auth", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "missing parameters", http.StatusBadRequest)
	})
	mux.HandleFunc("/admin/master/console/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiagnostics(t *testing.T) {
	realm := fakeRealm(t)
	s := testService(t, fstest.MapFS{"assets/silent-check-sso.html": {Data: []byte("<html></html>")}})
	s.cfg.Keycloak.URL = realm.URL
	s.cfg.Keycloak.Realm = "r"
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	c := coordinator(&stubAdapter{instance: &biz.Instance{Authenticated: true, Token: "t", Expiry: time.Now().Add(time.Hour)}})

	v := s.Diagnostics(context.Background(), c, false)
	assert.True(t, v.Status.Connected)
	assert.True(t, v.Status.Authenticated)
	assert.NotEmpty(t, v.TokenExpiry)
	for _, st := range v.ServerTests {
		assert.Equal(t, testNotStarted, st.Status)
	}
	assert.Nil(t, v.Connection)

	v = s.Diagnostics(context.Background(), c, true)
	require.Len(t, v.ServerTests, 3)
	assert.Equal(t, testSuccess, v.ServerTests[0].Status)
	assert.Equal(t, realm.URL+"/realms/r", v.ServerTests[0].Data)
	assert.Equal(t, testSuccess, v.ServerTests[1].Status, "a 400 still proves the endpoint is served")
	assert.Equal(t, testError, v.ServerTests[2].Status)
	assert.Equal(t, "Error Code: 502, Message: Bad Gateway", v.ServerTests[2].Error)
	assert.Equal(t, testSuccess, v.FileChecks[0].Status)
	require.NotNil(t, v.Connection)
	assert.False(t, v.Connection.Success, "no probe configured")
}

func TestDiagnostics_MissingSilentCheckFile(t *testing.T) {
	s := testService(t, fstest.MapFS{})
	s.cfg.Keycloak.URL = "http://127.0.0.1:1"
	v := s.Diagnostics(context.Background(), coordinator(&stubAdapter{}), true)
	assert.Equal(t, testError, v.FileChecks[0].Status)
	for _, st := range v.ServerTests {
		assert.Equal(t, testError, st.Status)
		assert.Contains(t, st.Error, "Cannot connect to server")
	}
}
