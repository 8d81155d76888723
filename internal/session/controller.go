// Package session owns the authentication lifecycle: login, logout,
// current-user resolution and the forced logout that follows any
// unauthorized response.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PulseML/internal/backend"
	"PulseML/internal/cache"
)

// UserMaxAge is how long the resolved profile is served from cache
const UserMaxAge = 5 * time.Minute

// AuthAPI is the auth slice of the resource client
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*backend.TokenPair, error)
	Register(ctx context.Context, email, password string) (*backend.UserProfile, error)
	Me(ctx context.Context) (*backend.UserProfile, error)
}

// TokenStore holds the access and refresh tokens
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetAccessToken(token string) error
	SetRefreshToken(token string) error
	Clear() error
}

// Notifier reports unauthorized responses. Registering replaces any
// previous observer.
type Notifier interface {
	OnUnauthorized(fn func())
}

// Controller drives the Anonymous, Authenticating, Authenticated and
// Expiring states. The mutex is never held across a network call because
// the unauthorized observer runs on the goroutine of the failing request.
type Controller struct {
	auth   AuthAPI
	tokens TokenStore
	cache  *cache.Cache
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// New creates a Controller whose initial state follows the stored token and
// registers it as gw's unauthorized observer.
func New(auth AuthAPI, tokens TokenStore, c *cache.Cache, gw Notifier, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctl := &Controller{
		auth:   auth,
		tokens: tokens,
		cache:  c,
		logger: logger,
		state:  Anonymous,
	}
	if tokens.AccessToken() != "" {
		ctl.state = Authenticated
	}
	if gw != nil {
		gw.OnUnauthorized(ctl.handleUnauthorized)
	}
	logger.Info("session initialised", "state", ctl.state)
	return ctl
}

// OnStateChange registers fn to observe transitions, replacing any previous
// observer. fn runs without the controller lock held.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transitionLocked moves to next and returns the observer to notify
func (c *Controller) transitionLocked(next State) (State, func(from, to State)) {
	prev := c.state
	c.state = next
	if prev != next {
		c.logger.Debug("session state changed", "from", prev, "to", next)
	}
	return prev, c.onChange
}

func (c *Controller) transition(next State) {
	c.mu.Lock()
	prev, fn := c.transitionLocked(next)
	c.mu.Unlock()
	notify(fn, prev, next)
}

func notify(fn func(from, to State), from, to State) {
	if fn != nil && from != to {
		fn(from, to)
	}
}

// Bootstrap resolves the current user once when a stored token exists.
// Without a token it does nothing and returns nil, nil.
func (c *Controller) Bootstrap(ctx context.Context) (*backend.UserProfile, error) {
	if c.State() != Authenticated {
		return nil, nil
	}
	return c.CurrentUser(ctx)
}

// Login exchanges credentials for a token pair and stores both tokens. On
// failure the controller returns to Anonymous with nothing retained.
func (c *Controller) Login(ctx context.Context, email, password string) error {
	c.mu.Lock()
	switch c.state {
	case Authenticated:
		c.mu.Unlock()
		return ErrAlreadyAuthenticated
	case Authenticating:
		c.mu.Unlock()
		return ErrLoginInProgress
	}
	prev, fn := c.transitionLocked(Authenticating)
	c.mu.Unlock()
	notify(fn, prev, Authenticating)

	pair, err := c.auth.Login(ctx, email, password)
	if err != nil {
		c.logger.Warn("login failed", "email", email, "error", err)
		c.transition(Anonymous)
		return fmt.Errorf("login: %w", err)
	}

	c.mu.Lock()
	if err := c.tokens.SetAccessToken(pair.AccessToken); err != nil {
		c.logger.Error("failed to persist access token", "error", err)
	}
	if err := c.tokens.SetRefreshToken(pair.RefreshToken); err != nil {
		c.logger.Error("failed to persist refresh token", "error", err)
	}
	c.cache.Invalidate(cache.KeyMe)
	prev, fn = c.transitionLocked(Authenticated)
	c.mu.Unlock()
	notify(fn, prev, Authenticated)

	c.logger.Info("logged in", "email", email)
	return nil
}

// Register creates an account. It does not log in.
func (c *Controller) Register(ctx context.Context, email, password string) (*backend.UserProfile, error) {
	profile, err := c.auth.Register(ctx, email, password)
	if err != nil {
		c.logger.Warn("registration failed", "email", email, "error", err)
		return nil, fmt.Errorf("register: %w", err)
	}
	c.logger.Info("account registered", "user_id", profile.ID, "email", profile.Email)
	return profile, nil
}

// Logout ends the session, erases both tokens and drops every cached read.
// The returned error reports a failed durable erase; the in-memory session
// is gone either way.
func (c *Controller) Logout() error {
	return c.expire("logout")
}

func (c *Controller) handleUnauthorized() {
	c.mu.Lock()
	authenticating := c.state == Authenticating
	c.mu.Unlock()
	if authenticating {
		// rejected credentials, Login itself returns to Anonymous
		return
	}
	if err := c.expire("unauthorized"); err != nil {
		c.logger.Error("failed to clear tokens after unauthorized response", "error", err)
	}
}

func (c *Controller) expire(reason string) error {
	c.mu.Lock()
	from, fn := c.transitionLocked(Expiring)
	err := c.tokens.Clear()
	c.cache.Clear()
	_, _ = c.transitionLocked(Anonymous)
	c.mu.Unlock()

	notify(fn, from, Expiring)
	notify(fn, Expiring, Anonymous)
	c.logger.Info("session ended", "reason", reason, "previous_state", from)
	return err
}

// CurrentUser returns the profile of the token holder, served from cache for
// up to UserMaxAge.
func (c *Controller) CurrentUser(ctx context.Context) (*backend.UserProfile, error) {
	if c.tokens.AccessToken() == "" {
		return nil, ErrNotAuthenticated
	}
	user, err := cache.Fetch(ctx, c.cache, cache.KeyMe, UserMaxAge, c.auth.Me)
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}
	return user, nil
}

// IsAuthenticated reports whether a session is live and its user resolved
func (c *Controller) IsAuthenticated() bool {
	if c.State() != Authenticated {
		return false
	}
	_, ok := c.cache.Load(cache.KeyMe, 0)
	return ok
}

// Session returns a snapshot of the live credentials
func (c *Controller) Session() Session {
	s := Session{
		AccessToken:  c.tokens.AccessToken(),
		RefreshToken: c.tokens.RefreshToken(),
	}
	if s.AccessToken == "" {
		return s
	}
	if v, ok := c.cache.Load(cache.KeyMe, 0); ok {
		if user, ok := v.(*backend.UserProfile); ok {
			s.User = user
		}
	}
	return s
}
