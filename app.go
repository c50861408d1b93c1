package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-authgate/travel-client/apiclient"
	"github.com/go-authgate/travel-client/events"
	"github.com/go-authgate/travel-client/tokenstore"
	"github.com/go-authgate/travel-client/tui"
)

const (
	storeFile   = "file"
	storeRedis  = "redis"
	storeMemory = "memory"

	busLocal = "local"
	busRedis = "redis"
)

// errSignInRequired is returned when the session ended during the command.
var errSignInRequired = errors.New("signed out: run `login` to sign in again")

type appConfig struct {
	ServerURL   string
	TokenStore  string
	TokenFile   string
	RedisURL    string
	EventBus    string
	DeviceID    string
	Timeout     time.Duration
	MetricsFile string
}

// app wires the token store, coordinator, pipeline and event bus for one
// CLI invocation.
type app struct {
	cfg   appConfig
	d     tui.Displayer
	log   zerolog.Logger
	out   io.Writer
	redis *redis.Client

	store     tokenstore.Store
	storeDesc string
	auth      *apiclient.AuthAPI
	coord     *apiclient.Coordinator
	client    *apiclient.Client
	registry  *prometheus.Registry
	publisher message.Publisher
	closers   []func() error

	signInRequired atomic.Bool
}

func newApp(
	ctx context.Context,
	cfg appConfig,
	d tui.Displayer,
	logger zerolog.Logger,
	out io.Writer,
) (*app, error) {
	a := &app{
		cfg:      cfg,
		d:        d,
		log:      logger,
		out:      out,
		registry: prometheus.NewRegistry(),
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	store, desc, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.store, a.storeDesc = store, desc

	publisher, err := a.openEventBus(ctx)
	if err != nil {
		return err
	}
	a.publisher = publisher

	metrics := apiclient.NewMetrics(a.registry)
	a.auth = apiclient.NewAuthAPI(a.cfg.ServerURL, &http.Client{Timeout: a.cfg.Timeout})
	a.coord = apiclient.NewCoordinator(
		a.store,
		a.auth,
		apiclient.NavigatorFunc(a.redirectToSignIn),
		apiclient.WithCoordinatorLogger(a.log.With().Str("component", "coordinator").Logger()),
		apiclient.WithCoordinatorMetrics(metrics),
		apiclient.WithRefreshTimeout(a.cfg.Timeout),
		apiclient.WithSessionEvents(events.NewSessionPublisher(publisher, a.cfg.DeviceID)),
	)

	client, err := apiclient.New(apiclient.Config{
		BaseURL:  a.cfg.ServerURL,
		Timeout:  a.cfg.Timeout,
		DeviceID: a.cfg.DeviceID,
	}, a.store, a.coord,
		apiclient.WithLogger(a.log.With().Str("component", "client").Logger()),
		apiclient.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) openStore(ctx context.Context) (tokenstore.Store, string, error) {
	switch a.cfg.TokenStore {
	case storeFile:
		store, err := tokenstore.NewFileStore(a.cfg.TokenFile, a.cfg.DeviceID)
		if err != nil {
			return nil, "", err
		}
		return store, store.Path(), nil
	case storeRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, "", err
		}
		store := tokenstore.NewRedisStore(client, a.cfg.DeviceID)
		return store, "redis key " + store.Key(), nil
	case storeMemory:
		return tokenstore.NewMemoryStore(), "memory (not persisted)", nil
	default:
		return nil, "", fmt.Errorf(
			"unknown TOKEN_STORE %q (want %s, %s or %s)",
			a.cfg.TokenStore, storeFile, storeRedis, storeMemory,
		)
	}
}

// openEventBus subscribes the display to session events and returns the
// publisher the coordinator reports to.
func (a *app) openEventBus(ctx context.Context) (message.Publisher, error) {
	logger := events.NewZerologAdapter(a.log.With().Str("component", "events").Logger())

	local := events.NewLocalBus(logger)
	a.closers = append(a.closers, local.Close)

	err := events.Subscribe(ctx, local, a.showSessionEvent,
		events.TopicSessionRefreshed, events.TopicSessionExpired)
	if err != nil {
		return nil, err
	}

	switch a.cfg.EventBus {
	case "", busLocal:
		return local, nil
	case busRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		remote, err := events.NewRedisStreamPublisher(client, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, remote.Close)
		return events.Tee{local, remote}, nil
	default:
		return nil, fmt.Errorf("unknown EVENT_BUS %q (want %s or %s)", a.cfg.EventBus, busLocal, busRedis)
	}
}

func (a *app) showSessionEvent(topic string, ev events.SessionEvent) {
	switch topic {
	case events.TopicSessionRefreshed:
		a.d.SessionRefreshed()
	case events.TopicSessionExpired:
		a.d.SessionExpired(ev.Reason)
	}
}

// redirectToSignIn is the Navigator of a CLI: there is no sign-in screen,
// so the run is marked and ends telling the user to log in.
func (a *app) redirectToSignIn() {
	a.signInRequired.Store(true)
	a.d.SignInRequired()
}

// Close releases the bus and redis connections and writes metrics when
// configured.
func (a *app) Close() {
	if a.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.registry); err != nil {
			a.log.Warn().Err(err).Str("path", a.cfg.MetricsFile).Msg("failed to write metrics")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Debug().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

// Run executes one command. Without arguments it shows the session.
func (a *app) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"session"}
	}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "login":
		err = a.login(ctx, rest)
	case "logout":
		err = a.logout(ctx)
	case "session":
		err = a.session(ctx)
	case "profile":
		err = a.fetch(ctx, "/users/me")
	case "trips":
		err = a.fetch(ctx, "/trips")
	case "services":
		err = a.fetch(ctx, "/services")
	case "dashboard":
		err = a.dashboard(ctx)
	case "get":
		if len(rest) != 1 {
			err = errors.New("usage: get <path>")
			break
		}
		err = a.fetch(ctx, rest[0])
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if a.signInRequired.Load() {
		// The sign-in notice is already on screen.
		a.d.Done("")
		return errSignInRequired
	}
	if err != nil {
		a.d.Fatal(err)
		return err
	}
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	email := fs.String("email", "", "Account email (or TRAVEL_EMAIL env)")
	password := fs.String("password", "", "Account password (or TRAVEL_PASSWORD env)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	user := getConfig(*email, "TRAVEL_EMAIL", "")
	pass := getConfig(*password, "TRAVEL_PASSWORD", "")
	if user == "" || pass == "" {
		return errors.New("login: -email and -password are required")
	}

	a.d.SigningIn(user)
	tok, err := a.auth.Login(ctx, user, pass)
	if err != nil {
		a.d.SignInFailed(err)
		return err
	}
	if err := a.coord.SignIn(ctx, tok); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	a.d.SignedIn(a.storeDesc)
	a.d.Done("Signed in as " + user)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.coord.SignOut(ctx); err != nil {
		return err
	}
	a.d.SignedOut()
	a.d.Done("")
	return nil
}

type sessionView struct {
	Active          bool       `json:"active"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Store           string     `json:"store"`
	DeviceID        string     `json:"device_id"`
}

func (a *app) session(ctx context.Context) error {
	s, err := a.coord.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}

	view := sessionView{
		Active:          s.Active(),
		HasRefreshToken: s.HasRefreshToken,
		Store:           a.storeDesc,
		DeviceID:        a.cfg.DeviceID,
	}
	if !s.ExpiresAt.IsZero() {
		view.ExpiresAt = &s.ExpiresAt
	}

	if s.Active() {
		a.d.SessionFound(s.ExpiresAt)
	} else {
		a.d.SessionMissing()
	}

	body, err := json.Marshal(view)
	if err != nil {
		return err
	}
	if err := a.print(body); err != nil {
		return err
	}
	a.d.Done("")
	return nil
}

// call sends one GET through the pipeline and reports progress.
func (a *app) call(ctx context.Context, path string) (*apiclient.Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	a.d.Requesting(http.MethodGet, path)
	resp, err := a.client.Get(ctx, path)
	if err != nil {
		a.d.RequestFailed(http.MethodGet, path, err)
		return nil, err
	}
	a.d.ResponseOK(http.MethodGet, path, resp.Status, resp.Duration)
	return resp, nil
}

func (a *app) fetch(ctx context.Context, path string) error {
	resp, err := a.call(ctx, path)
	if err != nil {
		return err
	}
	if err := a.print(resp.Body); err != nil {
		return err
	}
	a.d.Done("")
	return nil
}

// dashboard loads the home screen resources concurrently. A session that
// expires mid-way is refreshed once for all three calls.
func (a *app) dashboard(ctx context.Context) error {
	sections := []struct {
		name string
		path string
	}{
		{name: "profile", path: "/users/me"},
		{name: "trips", path: "/trips"},
		{name: "services", path: "/services"},
	}

	results := make([]json.RawMessage, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sections {
		g.Go(func() error {
			resp, err := a.call(gctx, s.path)
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			results[i] = rawJSON(resp.Body)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	combined := make(map[string]json.RawMessage, len(sections))
	for i, s := range sections {
		combined[s.name] = results[i]
	}
	body, err := json.Marshal(combined)
	if err != nil {
		return err
	}
	if err := a.print(body); err != nil {
		return err
	}
	a.d.Done(fmt.Sprintf("Loaded %d sections", len(sections)))
	return nil
}

// rawJSON keeps body as-is when it is JSON and quotes it otherwise.
func rawJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// print writes body to stdout, indented when it is JSON.
func (a *app) print(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		buf.Reset()
		buf.Write(body)
	}
	buf.WriteByte('\n')
	_, err := a.out.Write(buf.Bytes())
	return err
}
