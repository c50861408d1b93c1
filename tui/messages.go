package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that stored credentials were found.
// ExpiresAt is zero when the access token carries no readable expiry.
type MsgSessionFound struct{ ExpiresAt time.Time }

// MsgSessionMissing signals that no credentials are stored.
type MsgSessionMissing struct{}

// MsgSigningIn signals that a password sign-in is in progress.
type MsgSigningIn struct{ Email string }

// MsgSignedIn signals that a new session was stored.
type MsgSignedIn struct{ Store string }

// MsgSignInFailed signals that the sign-in call failed.
type MsgSignInFailed struct{ Err error }

// MsgRequesting signals that a backend call started.
type MsgRequesting struct {
	Method string
	Path   string
}

// MsgResponseOK signals that a backend call succeeded.
type MsgResponseOK struct {
	Method string
	Path   string
	Status int
	Took   time.Duration
}

// MsgRequestFailed signals that a backend call failed.
type MsgRequestFailed struct {
	Method string
	Path   string
	Err    error
}

// MsgSessionRefreshed signals that the access token was refreshed in the background.
type MsgSessionRefreshed struct{}

// MsgSessionExpired signals that the session was torn down.
type MsgSessionExpired struct{ Reason string }

// MsgSignInRequired signals that the user has to sign in again.
type MsgSignInRequired struct{}

// MsgSignedOut signals that the user ended the session.
type MsgSignedOut struct{}

// MsgDone signals successful completion of the command.
type MsgDone struct{ Summary string }

// MsgFatal signals a fatal error that should terminate the command.
type MsgFatal struct{ Err error }
