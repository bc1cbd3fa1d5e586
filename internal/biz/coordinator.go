package biz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"keycloak-portal/internal/metrics"
	"keycloak-portal/internal/platform"

	"golang.org/x/sync/singleflight"
)

const (
	statusErrServerRender = "Server-side rendering - identity client not available"
	statusErrNoInstance   = "Identity client instance not created"
	connTestServerRender  = "Server-side rendering - cannot test connection"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Logger *slog.Logger
	Probe  ProviderProbe
	// Interval is the status refresh period in browser context.
	Interval time.Duration
	Now      func() time.Time
}

// Coordinator shields callers from the execution context and from identity
// adapter faults. Accessors never fail: faults are logged and mapped to
// false, nil or an empty slice.
type Coordinator struct {
	boundary platform.Boundary
	adapter  IdentityAdapter
	probe    ProviderProbe
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	status *StatusChannel
	seq    atomic.Uint64
	flight singleflight.Group

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewCoordinator creates a coordinator. adapter may be nil in server context.
func NewCoordinator(boundary platform.Boundary, adapter IdentityAdapter, cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if !boundary.IsBrowser() {
		adapter = nil
	}
	return &Coordinator{
		boundary: boundary,
		adapter:  adapter,
		probe:    cfg.Probe,
		logger:   cfg.Logger.With("context", boundary.Kind().String()),
		interval: cfg.Interval,
		now:      cfg.Now,
		status:   NewStatusChannel(SessionStatus{UpdatedAt: cfg.Now()}),
		done:     make(chan struct{}),
	}
}

// Boundary returns the execution context this coordinator serves.
func (c *Coordinator) Boundary() platform.Boundary { return c.boundary }

// CanLogin reports whether an interactive login redirect can be started.
func (c *Coordinator) CanLogin() bool { return c.usable() }

func (c *Coordinator) usable() bool {
	return c.boundary.IsBrowser() && c.adapter != nil
}

// safely runs an adapter call, turning a panic into an error.
func safely(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	return fn()
}

func (c *Coordinator) fault(op string, err error) {
	metrics.RecordAdapterFault(op)
	c.logger.Error("identity adapter fault", "operation", op, "error", err)
}

// IsLoggedIn reports whether the browser session is authenticated.
func (c *Coordinator) IsLoggedIn(ctx context.Context) bool {
	if !c.usable() {
		return false
	}
	var ok bool
	err := safely("is_logged_in", func() (err error) {
		ok, err = c.adapter.Authenticated(ctx)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrNoTokens) {
			c.fault("is_logged_in", err)
		}
		return false
	}
	return ok
}

// GetUserProfile returns the profile of the logged-in user, or nil.
func (c *Coordinator) GetUserProfile(ctx context.Context) *Profile {
	if !c.IsLoggedIn(ctx) {
		return nil
	}
	var profile *Profile
	err := safely("load_user_profile", func() (err error) {
		profile, err = c.adapter.LoadUserProfile(ctx)
		return err
	})
	if err != nil {
		c.fault("load_user_profile", err)
		return nil
	}
	return profile
}

// GetUserRoles returns the user's roles in provider order, or an empty slice.
func (c *Coordinator) GetUserRoles(ctx context.Context, includeAllRoles bool) []string {
	roles := []string{}
	if !c.IsLoggedIn(ctx) {
		return roles
	}
	var got []string
	err := safely("user_roles", func() (err error) {
		got, err = c.adapter.UserRoles(ctx, includeAllRoles)
		return err
	})
	if err != nil {
		c.fault("user_roles", err)
		return roles
	}
	return append(roles, got...)
}

// HasRole reports whether the user holds role, compared case-insensitively.
func (c *Coordinator) HasRole(ctx context.Context, role string) bool {
	for _, r := range c.GetUserRoles(ctx, true) {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// UpdateUserProfile writes profile changes back to the provider.
func (c *Coordinator) UpdateUserProfile(ctx context.Context, update *ProfileUpdate) error {
	if !c.usable() {
		return platform.ErrNoStorage
	}
	return safely("update_user_profile", func() error {
		return c.adapter.UpdateUserProfile(ctx, update)
	})
}

// Login starts the provider login and returns the URL to redirect the browser to.
// In server context it does nothing. Concurrent calls with the same options
// share one provider request and its result.
func (c *Coordinator) Login(ctx context.Context, opts *LoginOptions) (string, error) {
	if !c.usable() {
		c.logger.Warn("login attempted in server context, ignoring")
		return "", nil
	}
	if opts == nil {
		opts = &LoginOptions{}
	}
	key := fmt.Sprintf("login|%+v", *opts)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		var target string
		err := safely("login", func() (err error) {
			target, err = c.adapter.Login(ctx, opts)
			return err
		})
		c.UpdateStatus(ctx)
		return target, err
	})
	metrics.RecordAuthAction("login", err)
	if err != nil {
		c.logger.Error("login error", "error", err)
		return "", err
	}
	return v.(string), nil
}

// Logout ends the session and returns the provider end-session URL.
// In server context it does nothing.
func (c *Coordinator) Logout(ctx context.Context, redirectURI string) (string, error) {
	if !c.usable() {
		c.logger.Warn("logout attempted in server context, ignoring")
		return "", nil
	}
	v, err, _ := c.flight.Do("logout|"+redirectURI, func() (any, error) {
		var target string
		err := safely("logout", func() (err error) {
			target, err = c.adapter.Logout(ctx, redirectURI)
			return err
		})
		c.UpdateStatus(ctx)
		return target, err
	})
	metrics.RecordAuthAction("logout", err)
	if err != nil {
		c.logger.Error("logout error", "error", err)
		return "", err
	}
	return v.(string), nil
}

// UpdateStatus recomputes the status snapshot and publishes it.
// A computation that finishes after a later one started is discarded.
func (c *Coordinator) UpdateStatus(ctx context.Context) SessionStatus {
	seq := c.seq.Add(1)
	s := c.computeStatus(ctx)
	s.Seq = seq
	s.UpdatedAt = c.now()
	current, _ := c.status.Publish(s)
	return current
}

func (c *Coordinator) computeStatus(ctx context.Context) SessionStatus {
	if !c.usable() {
		return SessionStatus{Error: statusErrServerRender}
	}

	var inst *Instance
	err := safely("instance", func() (err error) {
		inst, err = c.adapter.Instance(ctx)
		return err
	})
	switch {
	case errors.Is(err, ErrNotInitialized), err == nil && inst == nil:
		return SessionStatus{Error: statusErrNoInstance}
	case err != nil:
		c.logger.Error("error checking identity client status", "error", err)
		return SessionStatus{Error: err.Error()}
	}

	s := SessionStatus{
		Connected:     true,
		Initialized:   true,
		Authenticated: inst.Authenticated,
	}
	if inst.Authenticated && inst.Token != "" {
		s.Token = inst.Token
		s.TokenExpiry = inst.Expiry
	}
	return s
}

// Status returns the latest published snapshot.
func (c *Coordinator) Status() SessionStatus {
	return c.status.Current()
}

// Subscribe follows status snapshots until the returned cancel is called.
func (c *Coordinator) Subscribe() (<-chan SessionStatus, func()) {
	return c.status.Subscribe()
}

// TestConnection probes the provider discovery document.
func (c *Coordinator) TestConnection(ctx context.Context) ConnectionTest {
	if !c.boundary.IsBrowser() {
		return ConnectionTest{Error: connTestServerRender}
	}
	if c.probe == nil {
		return ConnectionTest{Error: ErrNotInitialized.Error()}
	}
	var (
		doc    map[string]any
		status int
	)
	err := safely("test_connection", func() (err error) {
		doc, status, err = c.probe.FetchWellKnown(ctx)
		return err
	})
	if err != nil {
		return ConnectionTest{Error: err.Error(), Status: status}
	}
	return ConnectionTest{Success: true, Data: doc, Status: status}
}

// Start runs the periodic status refresh until Close. It is a no-op in server context.
func (c *Coordinator) Start() {
	if !c.usable() {
		return
	}
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.refreshLoop(ctx)
	})
}

func (c *Coordinator) refreshLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.UpdateStatus(ctx)
		}
	}
}

// Close stops the refresh task and drops status subscribers.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		started := false
		c.startOnce.Do(func() {}) // a Start after Close must not launch the loop
		if c.cancel != nil {
			c.cancel()
			started = true
		}
		if started {
			<-c.done
		}
		c.status.Close()
	})
}
