package apiclient

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/go-authgate/travel-client/tokenstore"
)

// Session is a read-only snapshot of the stored credentials.
type Session struct {
	AccessToken     string
	HasRefreshToken bool
	// ExpiresAt comes from the access token's exp claim; zero when the
	// token is opaque or carries no expiry.
	ExpiresAt time.Time
}

// Active reports whether any credential is stored.
func (s Session) Active() bool {
	return s.AccessToken != "" || s.HasRefreshToken
}

// Session reads the current session from the store.
func (c *Coordinator) Session(ctx context.Context) (Session, error) {
	access, err := c.store.Get(ctx, tokenstore.AccessToken)
	if err != nil {
		return Session{}, err
	}
	refresh, err := c.store.Get(ctx, tokenstore.RefreshToken)
	if err != nil {
		return Session{}, err
	}

	s := Session{AccessToken: access, HasRefreshToken: refresh != ""}
	if exp, ok := accessTokenExpiry(access); ok {
		s.ExpiresAt = exp
	}
	return s, nil
}

// accessTokenExpiry decodes exp without verifying the signature. The client
// never trusts it for authorization; it only drives display.
func accessTokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
