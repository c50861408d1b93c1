package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/common-nighthawk/go-figure"
)

// Displayer abstracts all user-facing progress output of the CLI.
type Displayer interface {
	Banner()
	SessionFound(expiresAt time.Time)
	SessionMissing()
	SigningIn(email string)
	SignedIn(store string)
	SignInFailed(err error)
	Requesting(method, path string)
	ResponseOK(method, path string, status int, took time.Duration)
	RequestFailed(method, path string, err error)
	SessionRefreshed()
	SessionExpired(reason string)
	SignInRequired()
	SignedOut()
	Done(summary string)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w   io.Writer
	now func() time.Time
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w, now: time.Now}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, figure.NewFigure("travel", "cybermedium", true).String())
}

func (p *PlainDisplayer) SessionFound(expiresAt time.Time) {
	if expiresAt.IsZero() {
		fmt.Fprintln(p.w, "Found existing session.")
		return
	}
	left := expiresAt.Sub(p.now())
	if left <= 0 {
		fmt.Fprintln(p.w, "Found existing session (access token expired, will refresh on use).")
		return
	}
	fmt.Fprintf(p.w, "Found existing session, access token valid for %s.\n", formatDuration(left))
}

func (p *PlainDisplayer) SessionMissing() {
	fmt.Fprintln(p.w, "No session found.")
}

func (p *PlainDisplayer) SigningIn(email string) {
	fmt.Fprintf(p.w, "Signing in as %s...\n", email)
}

func (p *PlainDisplayer) SignedIn(store string) {
	fmt.Fprintf(p.w, "Signed in. Session stored in %s.\n", store)
}

func (p *PlainDisplayer) SignInFailed(err error) {
	fmt.Fprintf(p.w, "Sign-in failed: %v\n", err)
}

func (p *PlainDisplayer) Requesting(method, path string) {
	fmt.Fprintf(p.w, "%s %s\n", method, path)
}

func (p *PlainDisplayer) ResponseOK(method, path string, status int, took time.Duration) {
	fmt.Fprintf(p.w, "%s %s -> %d (%s)\n", method, path, status, took.Round(time.Millisecond))
}

func (p *PlainDisplayer) RequestFailed(method, path string, err error) {
	fmt.Fprintf(p.w, "%s %s failed: %v\n", method, path, err)
}

func (p *PlainDisplayer) SessionRefreshed() {
	fmt.Fprintln(p.w, "Access token refreshed.")
}

func (p *PlainDisplayer) SessionExpired(reason string) {
	fmt.Fprintf(p.w, "Session expired: %s\n", reason)
}

func (p *PlainDisplayer) SignInRequired() {
	fmt.Fprintln(p.w, "You have been signed out. Run `login` to sign in again.")
}

func (p *PlainDisplayer) SignedOut() {
	fmt.Fprintln(p.w, "Signed out.")
}

func (p *PlainDisplayer) Done(summary string) {
	if summary != "" {
		fmt.Fprintln(p.w, summary)
	}
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                        {}
func (NoopDisplayer) SessionFound(_ time.Time)                       {}
func (NoopDisplayer) SessionMissing()                                {}
func (NoopDisplayer) SigningIn(_ string)                             {}
func (NoopDisplayer) SignedIn(_ string)                              {}
func (NoopDisplayer) SignInFailed(_ error)                           {}
func (NoopDisplayer) Requesting(_, _ string)                         {}
func (NoopDisplayer) ResponseOK(_, _ string, _ int, _ time.Duration) {}
func (NoopDisplayer) RequestFailed(_, _ string, _ error)             {}
func (NoopDisplayer) SessionRefreshed()                              {}
func (NoopDisplayer) SessionExpired(_ string)                        {}
func (NoopDisplayer) SignInRequired()                                {}
func (NoopDisplayer) SignedOut()                                     {}
func (NoopDisplayer) Done(_ string)                                  {}
func (NoopDisplayer) Fatal(_ error)                                  {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound(expiresAt time.Time) {
	t.p.Send(MsgSessionFound{ExpiresAt: expiresAt})
}

func (t *ProgramDisplayer) SessionMissing() {
	t.p.Send(MsgSessionMissing{})
}

func (t *ProgramDisplayer) SigningIn(email string) {
	t.p.Send(MsgSigningIn{Email: email})
}

func (t *ProgramDisplayer) SignedIn(store string) {
	t.p.Send(MsgSignedIn{Store: store})
}

func (t *ProgramDisplayer) SignInFailed(err error) {
	t.p.Send(MsgSignInFailed{Err: err})
}

func (t *ProgramDisplayer) Requesting(method, path string) {
	t.p.Send(MsgRequesting{Method: method, Path: path})
}

func (t *ProgramDisplayer) ResponseOK(method, path string, status int, took time.Duration) {
	t.p.Send(MsgResponseOK{Method: method, Path: path, Status: status, Took: took})
}

func (t *ProgramDisplayer) RequestFailed(method, path string, err error) {
	t.p.Send(MsgRequestFailed{Method: method, Path: path, Err: err})
}

func (t *ProgramDisplayer) SessionRefreshed() {
	t.p.Send(MsgSessionRefreshed{})
}

func (t *ProgramDisplayer) SessionExpired(reason string) {
	t.p.Send(MsgSessionExpired{Reason: reason})
}

func (t *ProgramDisplayer) SignInRequired() {
	t.p.Send(MsgSignInRequired{})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) Done(summary string) {
	t.p.Send(MsgDone{Summary: summary})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
