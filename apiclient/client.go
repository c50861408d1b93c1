// Package apiclient is the single outbound path to the travel backend. Every
// call attaches the stored bearer token, is retried once on transient
// failures, and recovers transparently from an expired access token by
// refreshing it (once, shared by all concurrent callers) and replaying the
// call.
package apiclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-authgate/travel-client/tokenstore"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultRetryDelay = time.Second
)

// Config is the static client configuration.
type Config struct {
	BaseURL string
	// Timeout bounds a single attempt. Expiry counts as a network failure.
	Timeout time.Duration
	// RetryDelay is waited before the single transient retry.
	RetryDelay time.Duration
	// DeviceID is sent as X-Device-ID when set.
	DeviceID string
}

// requestStage prepares an envelope before dispatch.
type requestStage func(ctx context.Context, env *Envelope)

// step is the response-stage decision for a failed send.
type step int

const (
	stepReturn step = iota
	stepRefreshAndReplay
)

// Client issues authenticated requests. It is safe for concurrent use.
type Client struct {
	cfg       Config
	store     tokenstore.Store
	coord     *Coordinator
	retry     *retry.Client
	http      *http.Client
	transport http.RoundTripper
	log       zerolog.Logger
	metrics   *Metrics

	requestStages []requestStage
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTransport replaces the default TLS 1.2+ transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// New builds a client. store is read for the bearer token before every
// call; coord handles expired tokens.
func New(cfg Config, store tokenstore.Store, coord *Coordinator, opts ...Option) (*Client, error) {
	if err := validateBaseURL(cfg.BaseURL); err != nil {
		return nil, err
	}
	if store == nil || coord == nil {
		return nil, errors.New("token store and coordinator are required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	c := &Client{
		cfg:   cfg,
		store: store,
		coord: coord,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.transport == nil {
		c.transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	base := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &countingTransport{next: c.transport, metrics: c.metrics},
	}

	// At most one transient retry, so linear attempt*delay backoff is a
	// single fixed delay: no jitter, and Retry-After does not stretch it.
	rc, err := retry.NewClient(
		retry.WithHTTPClient(base),
		retry.WithMaxRetries(1),
		retry.WithInitialRetryDelay(cfg.RetryDelay),
		retry.WithJitter(false),
		retry.WithRespectRetryAfter(false),
		retry.WithRetryableChecker(isTransient),
		retry.WithLogger(retryLogger{log: c.log}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	c.retry = rc
	c.http = base

	c.requestStages = []requestStage{
		c.stampStart,
		c.tagRequest,
		c.attachBearer,
	}
	return c, nil
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("base URL must include a host")
	}
	return nil
}

// Do sends req through the pipeline. Failures are always *Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	env := newEnvelope(c.cfg.BaseURL, req)
	for _, stage := range c.requestStages {
		stage(ctx, env)
	}

	resp, apiErr := c.send(ctx, env)
	if nextStep(env, apiErr) == stepRefreshAndReplay {
		resp, apiErr = c.replayAfterRefresh(ctx, env)
	}

	c.observe(env, resp, apiErr)
	if apiErr != nil {
		return nil, apiErr
	}
	resp.Duration = time.Since(env.StartTime)
	return resp, nil
}

// nextStep decides what follows a send. Only a first 401 on an envelope
// leads to refresh and replay; everything else is final.
func nextStep(env *Envelope, err *Error) step {
	if err != nil && err.Kind == KindAuthExpired && !env.RetriedForAuth {
		return stepRefreshAndReplay
	}
	return stepReturn
}

func (c *Client) replayAfterRefresh(ctx context.Context, env *Envelope) (*Response, *Error) {
	env.RetriedForAuth = true
	// A caller that gave up must not start a refresh on a cleared session.
	if err := ctx.Err(); err != nil {
		return nil, transportError(err)
	}

	token, err := c.coord.ObtainRefreshedToken(ctx)
	if err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) {
			return nil, apiErr
		}
		return nil, transportError(err)
	}

	env.Header.Set("Authorization", "Bearer "+token)
	c.metrics.AuthReplays.Inc()

	resp, apiErr := c.send(ctx, env)
	if apiErr != nil && apiErr.Kind == KindAuthExpired {
		apiErr.Kind = KindAuthFailed
	}
	return resp, apiErr
}

// send performs one dispatch of env, transient retry included.
func (c *Client) send(ctx context.Context, env *Envelope) (*Response, *Error) {
	env.trace = attemptTrace{}
	req, err := env.httpRequest(withTrace(ctx, &env.trace))
	if err != nil {
		return nil, &Error{
			Kind:    KindClient,
			Code:    "invalid_request",
			Message: err.Error(),
			Err:     err,
		}
	}

	// The transient retry budget belongs to the envelope: a replay of an
	// envelope that already used it is sent once.
	var resp *http.Response
	if env.RetriedTransient {
		resp, err = c.http.Do(req)
	} else {
		resp, err = c.retry.DoWithContext(req.Context(), req)
	}
	if env.trace.attempts > 1 {
		env.RetriedTransient = true
	}
	if resp == nil {
		if err == nil {
			err = errors.New("no response received")
		}
		// Retries exhausted on a 5xx without handing back the response.
		if env.trace.lastStatus >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
			apiErr := statusError(env.trace.lastStatus, nil)
			apiErr.Err = err
			return nil, apiErr
		}
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, body)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) stampStart(_ context.Context, env *Envelope) {
	env.StartTime = time.Now()
}

func (c *Client) tagRequest(_ context.Context, env *Envelope) {
	env.RequestID = uuid.NewString()
	env.Header.Set("X-Request-ID", env.RequestID)
	if c.cfg.DeviceID != "" {
		env.Header.Set("X-Device-ID", c.cfg.DeviceID)
	}
	if env.Header.Get("Accept") == "" {
		env.Header.Set("Accept", "application/json")
	}
	if env.Body != nil && env.Header.Get("Content-Type") == "" {
		env.Header.Set("Content-Type", "application/json")
	}
}

// attachBearer adds the stored access token. Without one the call goes out
// unauthenticated and a protected endpoint answers 401.
func (c *Client) attachBearer(ctx context.Context, env *Envelope) {
	token, err := c.store.Get(ctx, tokenstore.AccessToken)
	if err != nil {
		c.log.Warn().Err(err).Str("request_id", env.RequestID).Msg("failed to read access token")
		return
	}
	if token != "" {
		env.Header.Set("Authorization", "Bearer "+token)
	}
}

// observe records duration and outcome. It never alters the result.
func (c *Client) observe(env *Envelope, resp *Response, apiErr *Error) {
	took := time.Since(env.StartTime)

	outcome := "ok"
	status := 0
	if apiErr != nil {
		outcome = apiErr.Kind.String()
		status = apiErr.Status
	} else if resp != nil {
		status = resp.Status
	}
	c.metrics.RequestDuration.WithLabelValues(env.Method, outcome).Observe(took.Seconds())

	ev := c.log.Debug()
	if apiErr != nil {
		ev = c.log.Warn().Str("error_code", apiErr.Code)
	}
	ev.Str("request_id", env.RequestID).
		Str("method", env.Method).
		Str("url", env.URL).
		Int("status", status).
		Int("attempts", env.trace.attempts).
		Bool("retried_for_auth", env.RetriedForAuth).
		Dur("took", took).
		Msg("backend call finished")
}

// Get issues a GET for path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, Path: path})
}

// PostJSON issues a POST with v encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, path string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.Do(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
