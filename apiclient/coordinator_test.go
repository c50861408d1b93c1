package apiclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/travel-client/tokenstore"
)

// fakeAuthn is a scriptable Authenticator. When release is non-nil, Refresh
// blocks until it is closed.
type fakeAuthn struct {
	mu      sync.Mutex
	token   *oauth2.Token
	err     error
	release chan struct{}
	// onRefresh runs inside Refresh before it returns.
	onRefresh func()

	refreshCalls atomic.Int32
	refreshSeen  []string
	logoutCalls  atomic.Int32
	logoutSeen   []string
	started      chan struct{}
	startOnce    sync.Once
}

func (a *fakeAuthn) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	a.refreshCalls.Add(1)
	a.mu.Lock()
	a.refreshSeen = append(a.refreshSeen, refreshToken)
	release, started, onRefresh := a.release, a.started, a.onRefresh
	tok, err := a.token, a.err
	a.mu.Unlock()

	if started != nil {
		a.startOnce.Do(func() { close(started) })
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if onRefresh != nil {
		onRefresh()
	}
	return tok, err
}

func (a *fakeAuthn) Logout(_ context.Context, accessToken string) error {
	a.logoutCalls.Add(1)
	a.mu.Lock()
	a.logoutSeen = append(a.logoutSeen, accessToken)
	a.mu.Unlock()
	return errors.New("backend unreachable")
}

func (a *fakeAuthn) LogoutSeen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.logoutSeen...)
}

// recordingEvents captures published session events.
type recordingEvents struct {
	refreshed atomic.Int32
	expired   atomic.Int32
	mu        sync.Mutex
	reasons   []string
}

func (e *recordingEvents) SessionRefreshed(context.Context) error {
	e.refreshed.Add(1)
	return nil
}

func (e *recordingEvents) SessionExpired(_ context.Context, reason string) error {
	e.expired.Add(1)
	e.mu.Lock()
	e.reasons = append(e.reasons, reason)
	e.mu.Unlock()
	return errors.New("bus closed")
}

func seededStore(t *testing.T, access, refresh string) *tokenstore.MemoryStore {
	t.Helper()
	store := tokenstore.NewMemoryStore()
	ctx := context.Background()
	if access != "" {
		require.NoError(t, store.Save(ctx, tokenstore.AccessToken, access))
	}
	if refresh != "" {
		require.NoError(t, store.Save(ctx, tokenstore.RefreshToken, refresh))
	}
	return store
}

func storedToken(t *testing.T, store tokenstore.Store, kind tokenstore.Kind) string {
	t.Helper()
	val, err := store.Get(context.Background(), kind)
	require.NoError(t, err)
	return val
}

// startWaiters launches n ObtainRefreshedToken calls and returns their
// results once all finished.
func startWaiters(c *Coordinator, n int) func() ([]string, []error) {
	tokens := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = c.ObtainRefreshedToken(context.Background())
		}()
	}
	return func() ([]string, []error) {
		wg.Wait()
		return tokens, errs
	}
}

func TestCoordinator_SingleFlight(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{
		token:   &oauth2.Token{AccessToken: "new123", RefreshToken: "refresh-2"},
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	events := &recordingEvents{}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav, WithSessionEvents(events))

	// Hold the first exchange open until every caller has joined it.
	wait := startWaiters(c, 1)
	<-authn.started
	joinRest := startWaiters(c, 4)
	time.Sleep(50 * time.Millisecond)
	close(authn.release)

	tokens, errs := wait()
	restTokens, restErrs := joinRest()
	tokens = append(tokens, restTokens...)
	errs = append(errs, restErrs...)

	for i := range tokens {
		require.NoError(t, errs[i])
		assert.Equal(t, "new123", tokens[i])
	}
	assert.Equal(t, int32(1), authn.refreshCalls.Load())
	assert.Equal(t, []string{"refresh-1"}, authn.refreshSeen)
	assert.Equal(t, "new123", storedToken(t, store, tokenstore.AccessToken))
	assert.Equal(t, "refresh-2", storedToken(t, store, tokenstore.RefreshToken))
	assert.Equal(t, int32(1), events.refreshed.Load())
	assert.Zero(t, nav.calls.Load())
}

func TestCoordinator_PersistsBeforeResolving(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{token: &oauth2.Token{AccessToken: "new123", RefreshToken: "refresh-2"}}
	c := NewCoordinator(store, authn, nil)

	token, err := c.ObtainRefreshedToken(context.Background())
	require.NoError(t, err)

	// Any reader after resolution sees the new pair.
	assert.Equal(t, token, storedToken(t, store, tokenstore.AccessToken))
	assert.Equal(t, "refresh-2", storedToken(t, store, tokenstore.RefreshToken))
}

func TestCoordinator_FixedRefreshTokenIsKept(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{token: &oauth2.Token{AccessToken: "new123"}}
	c := NewCoordinator(store, authn, nil)

	_, err := c.ObtainRefreshedToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "new123", storedToken(t, store, tokenstore.AccessToken))
	assert.Equal(t, "refresh-1", storedToken(t, store, tokenstore.RefreshToken))
}

func TestCoordinator_FailureTearsDownOnce(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{
		err:     errors.New("invalid_grant"),
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	events := &recordingEvents{}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav, WithSessionEvents(events))

	wait := startWaiters(c, 1)
	<-authn.started
	joinRest := startWaiters(c, 2)
	time.Sleep(50 * time.Millisecond)
	close(authn.release)

	_, errs := wait()
	_, restErrs := joinRest()
	errs = append(errs, restErrs...)

	for _, err := range errs {
		require.Error(t, err)
		assert.True(t, IsSessionExpired(err))
		assert.ErrorIs(t, err, ErrRefreshRejected)
		assert.Equal(t, KindAuthFailed, KindOf(err))
		assert.Same(t, errs[0], err, "every waiter receives the same rejection")
	}

	assert.Empty(t, storedToken(t, store, tokenstore.AccessToken))
	assert.Empty(t, storedToken(t, store, tokenstore.RefreshToken))
	assert.Equal(t, int32(1), nav.calls.Load())
	assert.Equal(t, []string{"old"}, authn.LogoutSeen(), "logout carries the last access token")
	assert.Equal(t, int32(1), events.expired.Load())
	assert.Contains(t, events.reasons[0], "invalid_grant")
}

func TestCoordinator_PersistFailureEndsSession(t *testing.T) {
	store := &failingSaveStore{MemoryStore: seededStore(t, "old", "refresh-1")}
	authn := &fakeAuthn{token: &oauth2.Token{AccessToken: "new123"}}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav)

	_, err := c.ObtainRefreshedToken(context.Background())
	require.Error(t, err)
	assert.True(t, IsSessionExpired(err))
	assert.Equal(t, int32(1), nav.calls.Load())
}

type failingSaveStore struct {
	*tokenstore.MemoryStore
}

func (s *failingSaveStore) Save(context.Context, tokenstore.Kind, string) error {
	return errors.New("disk full")
}

func TestCoordinator_NoRefreshToken(t *testing.T) {
	store := seededStore(t, "old", "")
	authn := &fakeAuthn{}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav)

	_, err := c.ObtainRefreshedToken(context.Background())
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.True(t, IsSessionExpired(err))
	assert.Zero(t, authn.refreshCalls.Load())
	assert.Equal(t, int32(1), nav.calls.Load())
	assert.Empty(t, storedToken(t, store, tokenstore.AccessToken))
}

func TestCoordinator_NewCycleAfterResolution(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{token: &oauth2.Token{AccessToken: "new123", RefreshToken: "refresh-2"}}
	c := NewCoordinator(store, authn, nil)

	_, err := c.ObtainRefreshedToken(context.Background())
	require.NoError(t, err)

	authn.mu.Lock()
	authn.token = &oauth2.Token{AccessToken: "new456", RefreshToken: "refresh-3"}
	authn.mu.Unlock()

	token, err := c.ObtainRefreshedToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "new456", token)
	assert.Equal(t, int32(2), authn.refreshCalls.Load())
	assert.Equal(t, []string{"refresh-1", "refresh-2"}, authn.refreshSeen)
}

func TestCoordinator_RedirectLatch(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{err: errors.New("revoked")}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav)

	_, err := c.ObtainRefreshedToken(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(1), nav.calls.Load())

	// Another failure in the same signed-out state does not navigate again.
	_, err = c.ObtainRefreshedToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(1), nav.calls.Load())

	// A new session re-arms the redirect.
	require.NoError(t, c.SignIn(context.Background(), &oauth2.Token{
		AccessToken:  "signed-in",
		RefreshToken: "refresh-9",
	}))
	_, err = c.ObtainRefreshedToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), nav.calls.Load())
}

func TestCoordinator_WaiterCancelDoesNotAbortRefresh(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{
		token:   &oauth2.Token{AccessToken: "new123"},
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	c := NewCoordinator(store, authn, nil)

	owner := startWaiters(c, 1)
	<-authn.started

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := c.ObtainRefreshedToken(ctx)
		cancelled <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	close(authn.release)
	tokens, errs := owner()
	require.NoError(t, errs[0])
	assert.Equal(t, "new123", tokens[0])
	assert.Equal(t, "new123", storedToken(t, store, tokenstore.AccessToken))
}

func TestCoordinator_SignIn(t *testing.T) {
	store := seededStore(t, "stale", "stale-refresh")
	c := NewCoordinator(store, &fakeAuthn{}, nil)

	err := c.SignIn(context.Background(), &oauth2.Token{AccessToken: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "a1", storedToken(t, store, tokenstore.AccessToken))
	assert.Empty(t, storedToken(t, store, tokenstore.RefreshToken), "previous session is replaced")

	require.Error(t, c.SignIn(context.Background(), nil))
	require.Error(t, c.SignIn(context.Background(), &oauth2.Token{}))
}

func TestCoordinator_SignOut(t *testing.T) {
	store := seededStore(t, "a1", "r1")
	authn := &fakeAuthn{}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav)

	require.NoError(t, c.SignOut(context.Background()))

	assert.Empty(t, storedToken(t, store, tokenstore.AccessToken))
	assert.Empty(t, storedToken(t, store, tokenstore.RefreshToken))
	assert.Equal(t, []string{"a1"}, authn.LogoutSeen())
	assert.Zero(t, nav.calls.Load(), "user-initiated sign-out does not redirect")
}

func TestCoordinator_Session(t *testing.T) {
	exp := time.Date(2026, 11, 1, 9, 30, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	store := seededStore(t, signed, "r1")
	c := NewCoordinator(store, &fakeAuthn{}, nil)

	s, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Active())
	assert.True(t, s.HasRefreshToken)
	assert.True(t, exp.Equal(s.ExpiresAt))

	opaque := NewCoordinator(seededStore(t, "opaque-token", ""), &fakeAuthn{}, nil)
	s, err = opaque.Session(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Active())
	assert.False(t, s.HasRefreshToken)
	assert.True(t, s.ExpiresAt.IsZero())

	empty := NewCoordinator(tokenstore.NewMemoryStore(), &fakeAuthn{}, nil)
	s, err = empty.Session(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Active())
}

// gatedSaveStore blocks every Save until unblock is closed.
type gatedSaveStore struct {
	*tokenstore.MemoryStore
	entered   chan struct{}
	unblock   chan struct{}
	enterOnce sync.Once
}

func (s *gatedSaveStore) Save(ctx context.Context, kind tokenstore.Kind, value string) error {
	s.enterOnce.Do(func() { close(s.entered) })
	<-s.unblock
	return s.MemoryStore.Save(ctx, kind, value)
}

func TestCoordinator_WaitersResolveOnlyAfterSave(t *testing.T) {
	store := &gatedSaveStore{
		MemoryStore: seededStore(t, "old", "refresh-1"),
		entered:     make(chan struct{}),
		unblock:     make(chan struct{}),
	}
	authn := &fakeAuthn{
		token:   &oauth2.Token{AccessToken: "new123", RefreshToken: "refresh-2"},
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	c := NewCoordinator(store, authn, nil)

	type result struct {
		token string
		err   error
	}
	results := make(chan result, 3)
	call := func() {
		token, err := c.ObtainRefreshedToken(context.Background())
		results <- result{token: token, err: err}
	}

	go call()
	<-authn.started
	go call()
	go call()
	time.Sleep(50 * time.Millisecond)
	close(authn.release)

	<-store.entered
	select {
	case r := <-results:
		t.Fatalf("waiter resolved with %q before the token was saved", r.token)
	case <-time.After(100 * time.Millisecond):
	}

	close(store.unblock)
	for range 3 {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, "new123", r.token)
			assert.Equal(t, "new123", storedToken(t, store, tokenstore.AccessToken))
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not resolve after save")
		}
	}
	assert.Equal(t, int32(1), authn.refreshCalls.Load())
}

func TestCoordinator_RefreshTimeoutEndsSession(t *testing.T) {
	store := seededStore(t, "old", "refresh-1")
	authn := &fakeAuthn{
		token:   &oauth2.Token{AccessToken: "never"},
		release: make(chan struct{}),
	}
	nav := &navCounter{}
	c := NewCoordinator(store, authn, nav, WithRefreshTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.ObtainRefreshedToken(context.Background())
	require.Error(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, IsSessionExpired(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, storedToken(t, store, tokenstore.RefreshToken))
	assert.Equal(t, []string{"old"}, authn.LogoutSeen(), "teardown still reaches the backend")
	assert.Equal(t, int32(1), nav.calls.Load())
}
