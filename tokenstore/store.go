// Package tokenstore persists the session credentials (access and refresh
// token) of the travel client. Implementations are scoped: each store
// instance reads and writes the tokens of a single device profile.
package tokenstore

import (
	"context"
	"fmt"
)

// Kind names one of the two credentials a session holds.
type Kind string

const (
	AccessToken  Kind = "ACCESS_TOKEN"
	RefreshToken Kind = "REFRESH_TOKEN"
)

// Kinds lists every credential kind, in a stable order.
var Kinds = []Kind{AccessToken, RefreshToken}

// Store is scoped, persistent key/value storage for session tokens.
//
// Get returns an empty string and a nil error when the token is absent.
// Save must be durable before it returns. Clear removes every token of the
// scope. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, kind Kind) (string, error)
	Save(ctx context.Context, kind Kind, value string) error
	Clear(ctx context.Context) error
}

// StoreError reports a failed store operation.
type StoreError struct {
	Op   string // "get", "save", "clear"
	Kind Kind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("token store %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("token store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func validKind(kind Kind) bool {
	return kind == AccessToken || kind == RefreshToken
}
