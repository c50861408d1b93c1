package apiclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/travel-client/tokenstore"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	defaultLogoutTimeout  = 5 * time.Second

	refreshFlightKey = "refresh"
)

// Navigator sends the user back to the sign-in screen. RedirectToSignIn
// runs on the goroutine that owns the failed refresh and must not block.
type Navigator interface {
	RedirectToSignIn()
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func()

func (f NavigatorFunc) RedirectToSignIn() { f() }

// SessionEvents receives session lifecycle notifications. Publishing is
// best-effort: errors are logged and never change an outcome.
type SessionEvents interface {
	SessionRefreshed(ctx context.Context) error
	SessionExpired(ctx context.Context, reason string) error
}

// Coordinator owns the session: it is the only writer of the token store
// while the client runs, and it guarantees at most one refresh exchange is
// in flight at a time.
type Coordinator struct {
	store   tokenstore.Store
	authn   Authenticator
	nav     Navigator
	events  SessionEvents
	log     zerolog.Logger
	metrics *Metrics

	refreshTimeout time.Duration
	logoutTimeout  time.Duration

	flight singleflight.Group

	// mu serializes session writes: refresh, sign-in and sign-out.
	mu        sync.Mutex
	signedOut bool // sign-in redirect already issued for the current teardown
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func WithSessionEvents(e SessionEvents) CoordinatorOption {
	return func(c *Coordinator) { c.events = e }
}

// WithRefreshTimeout bounds one refresh exchange. Teardown after a timed
// out exchange runs on its own budget.
func WithRefreshTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

func NewCoordinator(
	store tokenstore.Store,
	authn Authenticator,
	nav Navigator,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		store:          store,
		authn:          authn,
		nav:            nav,
		log:            zerolog.Nop(),
		refreshTimeout: defaultRefreshTimeout,
		logoutTimeout:  defaultLogoutTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.nav == nil {
		c.nav = NavigatorFunc(func() {})
	}
	return c
}

// ObtainRefreshedToken returns a freshly issued access token.
//
// If no refresh is in flight the caller performs one; otherwise it waits
// for the in-flight refresh and receives the same token or the same error.
// The token is persisted before any caller sees it. On failure the session
// has already been cleared and the sign-in redirect issued by the time the
// error is returned; the error wraps ErrSessionExpired.
//
// The exchange is detached from ctx so an impatient caller cannot cancel it
// for everyone else; ctx only bounds how long this caller waits.
func (c *Coordinator) ObtainRefreshedToken(ctx context.Context) (string, error) {
	ch := c.flight.DoChan(refreshFlightKey, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.log.Debug().Bool("ok", res.Err == nil).Msg("joined in-flight token refresh")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	exchangeCtx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	c.mu.Lock()
	token, err := c.exchange(exchangeCtx)
	if err == nil {
		c.signedOut = false
		c.mu.Unlock()

		c.metrics.Refreshes.WithLabelValues("success").Inc()
		c.log.Info().Msg("access token refreshed")
		if c.events != nil {
			if pubErr := c.events.SessionRefreshed(ctx); pubErr != nil {
				c.log.Warn().Err(pubErr).Msg("failed to publish session refreshed event")
			}
		}
		return token, nil
	}

	c.metrics.Refreshes.WithLabelValues("failure").Inc()
	c.log.Warn().Err(err).Msg("token refresh failed, ending session")

	redirect := c.teardownLocked(ctx)
	c.mu.Unlock()

	if redirect {
		if c.events != nil {
			if pubErr := c.events.SessionExpired(ctx, err.Error()); pubErr != nil {
				c.log.Warn().Err(pubErr).Msg("failed to publish session expired event")
			}
		}
		c.nav.RedirectToSignIn()
	}
	return "", sessionExpired(err)
}

// exchange trades the stored refresh token for a new pair and persists it.
// Caller holds c.mu.
func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	refreshToken, err := c.store.Get(ctx, tokenstore.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoRefreshToken, err)
	}
	if refreshToken == "" {
		return "", ErrNoRefreshToken
	}

	tok, err := c.authn.Refresh(ctx, refreshToken)
	if err != nil {
		if !errors.Is(err, ErrRefreshRejected) {
			err = fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return "", err
	}
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: response carried no access token", ErrRefreshRejected)
	}

	if err := c.store.Save(ctx, tokenstore.AccessToken, tok.AccessToken); err != nil {
		return "", fmt.Errorf("failed to persist access token: %w", err)
	}
	// Fixed-mode servers do not rotate; keep the refresh token we have.
	if tok.RefreshToken != "" {
		if err := c.store.Save(ctx, tokenstore.RefreshToken, tok.RefreshToken); err != nil {
			return "", fmt.Errorf("failed to persist refresh token: %w", err)
		}
	}
	return tok.AccessToken, nil
}

// teardownLocked clears the session and calls backend logout. It reports
// whether the sign-in redirect is still owed. Caller holds c.mu.
func (c *Coordinator) teardownLocked(ctx context.Context) bool {
	accessToken, _ := c.store.Get(ctx, tokenstore.AccessToken)

	if err := c.store.Clear(ctx); err != nil {
		c.log.Error().Err(err).Msg("failed to clear session tokens")
	}

	logoutCtx, cancel := context.WithTimeout(ctx, c.logoutTimeout)
	defer cancel()
	if err := c.authn.Logout(logoutCtx, accessToken); err != nil {
		c.log.Debug().Err(err).Msg("backend logout failed, ignoring")
	}

	c.metrics.SessionTeardowns.Inc()

	if c.signedOut {
		return false
	}
	c.signedOut = true
	return true
}

// SignIn stores the token pair of a fresh login, replacing any previous
// session.
func (c *Coordinator) SignIn(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return errors.New("sign-in token has no access token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear previous session: %w", err)
	}
	if err := c.store.Save(ctx, tokenstore.AccessToken, tok.AccessToken); err != nil {
		return err
	}
	if tok.RefreshToken != "" {
		if err := c.store.Save(ctx, tokenstore.RefreshToken, tok.RefreshToken); err != nil {
			return err
		}
	}
	c.signedOut = false
	c.log.Info().Msg("session established")
	return nil
}

// SignOut ends the session at the user's request. Backend logout is
// best-effort; no sign-in redirect is issued.
func (c *Coordinator) SignOut(ctx context.Context) error {
	c.mu.Lock()
	accessToken, _ := c.store.Get(ctx, tokenstore.AccessToken)
	clearErr := c.store.Clear(ctx)
	c.signedOut = true
	c.mu.Unlock()

	logoutCtx, cancel := context.WithTimeout(ctx, c.logoutTimeout)
	defer cancel()
	if err := c.authn.Logout(logoutCtx, accessToken); err != nil {
		c.log.Debug().Err(err).Msg("backend logout failed, ignoring")
	}

	if clearErr != nil {
		return fmt.Errorf("failed to clear session: %w", clearErr)
	}
	c.log.Info().Msg("signed out")
	return nil
}
