package biz

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"keycloak-portal/internal/platform"
)

var errProviderDown = errors.New("dial tcp 127.0.0.1:8080: connect: connection refused")

// fakeAdapter is a scriptable IdentityAdapter.
type fakeAdapter struct {
	mu sync.Mutex

	loggedIn  bool
	authErr   error
	profile   *Profile
	profErr   error
	roles     []string
	roleErr   error
	instance  *Instance
	instErr   error
	loginURL  string
	loginErr  error
	logoutErr error
	panicOn   string

	// loginGate, if set, blocks Login until closed.
	loginGate  chan struct{}
	loginCalls atomic.Int32
	calls      atomic.Int32
}

func (f *fakeAdapter) maybePanic(op string) {
	if f.panicOn == op {
		panic("boom in " + op)
	}
}

func (f *fakeAdapter) Authenticated(context.Context) (bool, error) {
	f.calls.Add(1)
	f.maybePanic("authenticated")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn, f.authErr
}

func (f *fakeAdapter) LoadUserProfile(context.Context) (*Profile, error) {
	f.calls.Add(1)
	f.maybePanic("profile")
	return f.profile, f.profErr
}

func (f *fakeAdapter) UpdateUserProfile(context.Context, *ProfileUpdate) error {
	f.calls.Add(1)
	return nil
}

func (f *fakeAdapter) UserRoles(_ context.Context, all bool) ([]string, error) {
	f.calls.Add(1)
	f.maybePanic("roles")
	return f.roles, f.roleErr
}

func (f *fakeAdapter) Login(context.Context, *LoginOptions) (string, error) {
	f.calls.Add(1)
	f.loginCalls.Add(1)
	if f.loginGate != nil {
		<-f.loginGate
	}
	return f.loginURL, f.loginErr
}

func (f *fakeAdapter) Logout(context.Context, string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.loggedIn = false
	f.mu.Unlock()
	return "http://idp/logout", f.logoutErr
}

func (f *fakeAdapter) Instance(context.Context) (*Instance, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instance, f.instErr
}

type memStorage struct{}

func (memStorage) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (memStorage) Set(context.Context, string, string) error         { return nil }
func (memStorage) Delete(context.Context, ...string) error           { return nil }
func (memStorage) Clear(context.Context) error                       { return nil }

func browser(id string) platform.Boundary {
	return platform.BrowserBoundary(id, memStorage{})
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig() CoordinatorConfig {
	return CoordinatorConfig{Interval: time.Hour, Now: func() time.Time { return fixedNow }}
}
