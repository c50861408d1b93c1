package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Authenticator performs the session calls the coordinator depends on.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Logout(ctx context.Context, accessToken string) error
}

// authEnvelope is the success body of login and refresh.
type authEnvelope struct {
	Data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
	} `json:"data"`
}

// AuthAPI talks to the /auth endpoints directly, bypassing the request
// pipeline: a failing refresh must never trigger another refresh.
type AuthAPI struct {
	baseURL string
	http    *http.Client
}

// NewAuthAPI returns an AuthAPI for baseURL. A nil httpClient gets a client
// with a 10 second timeout.
func NewAuthAPI(baseURL string, httpClient *http.Client) *AuthAPI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AuthAPI{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Refresh exchanges refreshToken for a new token pair. The returned token's
// RefreshToken is empty when the server did not rotate it.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, err
	}

	resp, body, err := a.post(ctx, "/auth/refresh-token", payload, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		})
	}

	tok, err := parseAuthEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	}
	return tok, nil
}

// Login signs in with email and password.
func (a *AuthAPI) Login(ctx context.Context, email, password string) (*oauth2.Token, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, err
	}

	resp, body, err := a.post(ctx, "/auth/login", payload, "")
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := statusError(resp.StatusCode, body)
		if apiErr.Kind == KindAuthExpired {
			// bad credentials, nothing to refresh
			apiErr.Kind = KindAuthFailed
		}
		return nil, apiErr
	}

	tok, err := parseAuthEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("invalid login response: %w", err)
	}
	return tok, nil
}

// Logout tells the backend the session is over.
func (a *AuthAPI) Logout(ctx context.Context, accessToken string) error {
	resp, body, err := a.post(ctx, "/auth/logout", nil, accessToken)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, body)
	}
	return nil
}

func (a *AuthAPI) post(
	ctx context.Context,
	path string,
	payload []byte,
	bearer string,
) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func parseAuthEnvelope(body []byte) (*oauth2.Token, error) {
	var env authEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if env.Data.JWTToken == "" {
		return nil, errors.New("jwtToken is empty")
	}
	return &oauth2.Token{
		AccessToken:  env.Data.JWTToken,
		RefreshToken: env.Data.RefreshToken,
		TokenType:    "Bearer",
	}, nil
}
