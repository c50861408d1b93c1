package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed call. The retry and refresh decisions are
// made on the kind alone.
type ErrorKind int

const (
	// KindNetwork: no response was received (connect, DNS, timeout).
	KindNetwork ErrorKind = iota + 1
	// KindServer: status >= 500.
	KindServer
	// KindAuthExpired: first 401 on an envelope; triggers refresh and replay.
	KindAuthExpired
	// KindAuthFailed: 401 after a replay, or the refresh itself failed.
	KindAuthFailed
	// KindClient: any other 4xx.
	KindClient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuthExpired:
		return "auth_expired"
	case KindAuthFailed:
		return "auth_failed"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

var (
	// ErrNoRefreshToken indicates the token store holds no refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")
	// ErrRefreshRejected indicates the backend refused the refresh or
	// answered without a usable access token.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrSessionExpired marks errors after which the session was torn down
	// and the user sent back to sign-in.
	ErrSessionExpired = errors.New("session expired")
)

// Error is the normalized failure returned by Client calls.
type Error struct {
	Kind    ErrorKind
	Status  int    // HTTP status, 0 when no response was received
	Code    string // network, timeout, http_<status>, session_expired
	Message string
	Body    []byte
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure was eligible for a transient retry.
func (e *Error) Temporary() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

// KindOf returns the kind of an *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// IsSessionExpired reports whether err ended the session. Callers seeing it
// must not navigate themselves: the sign-in redirect already happened.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

// serverMessage is the subset of error bodies we know how to read.
type serverMessage struct {
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// messageFromBody extracts the server supplied message, if any.
func messageFromBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var msg serverMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return ""
	}
	switch {
	case msg.Message != "":
		return msg.Message
	case msg.ErrorDescription != "":
		return msg.ErrorDescription
	default:
		return msg.Error
	}
}

// statusError normalizes a non-2xx response.
func statusError(status int, body []byte) *Error {
	e := &Error{
		Status:  status,
		Code:    fmt.Sprintf("http_%d", status),
		Message: messageFromBody(body),
		Body:    body,
	}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuthExpired
	case status >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindClient
	}
	if e.Message == "" {
		e.Message = strings.ToLower(http.StatusText(status))
	}
	if e.Message == "" {
		e.Message = "unexpected status"
	}
	return e
}

// transportError normalizes a call that produced no response.
func transportError(err error) *Error {
	code := "network"
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		code = "canceled"
	case errors.As(err, &netErr) && netErr.Timeout():
		code = "timeout"
	case errors.Is(err, context.DeadlineExceeded):
		code = "timeout"
	}
	return &Error{
		Kind:    KindNetwork,
		Code:    code,
		Message: err.Error(),
		Err:     err,
	}
}

// sessionExpired builds the single error every waiter of a failed refresh
// receives.
func sessionExpired(cause error) *Error {
	return &Error{
		Kind:    KindAuthFailed,
		Status:  http.StatusUnauthorized,
		Code:    "session_expired",
		Message: "session expired, please sign in again",
		Err:     fmt.Errorf("%w: %w", ErrSessionExpired, cause),
	}
}
