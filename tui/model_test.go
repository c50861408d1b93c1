package tui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func TestModel_RequestLifecycle(t *testing.T) {
	m := NewModel()

	m = update(t, m, MsgRequesting{Method: "GET", Path: "/trips"})
	m = update(t, m, MsgRequesting{Method: "GET", Path: "/services"})
	assert.Equal(t, stateRequesting, m.state)
	assert.Equal(t, 2, m.inFlight)

	m = update(t, m, MsgResponseOK{Method: "GET", Path: "/trips", Status: 200, Took: 42 * time.Millisecond})
	m = update(t, m, MsgRequestFailed{Method: "GET", Path: "/services", Err: errors.New("server error")})
	assert.Zero(t, m.inFlight)

	m = update(t, m, MsgDone{Summary: "2 calls"})
	assert.Equal(t, stateSuccess, m.state)

	view := m.viewSuccess()
	assert.Contains(t, view, "2 calls")
	assert.Contains(t, view, "GET /trips -> 200 (42ms)")
	assert.Contains(t, view, "GET /services failed: server error")
}

func TestModel_SignInRequiredSticks(t *testing.T) {
	m := NewModel()
	m = update(t, m, MsgSessionExpired{Reason: "refresh token rejected"})
	m = update(t, m, MsgSignInRequired{})
	m = update(t, m, MsgDone{})

	assert.Equal(t, stateSignInRequired, m.state, "Done must not hide the sign-in notice")
	view := m.viewSignInRequired()
	assert.Contains(t, view, "login")
	assert.Contains(t, view, "refresh token rejected")
}

func TestModel_SessionCountdown(t *testing.T) {
	m := NewModel()
	next, cmd := m.Update(MsgSessionFound{ExpiresAt: time.Now().Add(10 * time.Minute)})
	m = next.(Model)
	assert.NotNil(t, cmd, "countdown tick scheduled")
	assert.Greater(t, m.remaining, 9*time.Minute)

	m = update(t, m, MsgSessionRefreshed{})
	assert.Zero(t, m.remaining)
	assert.True(t, m.sessionExpiry.IsZero())

	next, cmd = m.Update(tickMsg(time.Now()))
	assert.Nil(t, cmd, "no countdown without an expiry")
	_ = next
}

func TestModel_ExpiredSessionFound(t *testing.T) {
	m := NewModel()
	next, cmd := m.Update(MsgSessionFound{ExpiresAt: time.Now().Add(-time.Minute)})
	m = next.(Model)
	assert.Nil(t, cmd)
	require.Len(t, m.statusLines, 2)
	assert.Equal(t, statusWarn, m.statusLines[1].kind)
}

func TestModel_Fatal(t *testing.T) {
	m := update(t, NewModel(), MsgFatal{Err: errors.New("invalid SERVER_URL")})
	assert.Equal(t, stateError, m.state)
	assert.Contains(t, m.viewError(), "invalid SERVER_URL")
}

func TestPlainDisplayer(t *testing.T) {
	var buf bytes.Buffer
	d := NewPlainDisplayer(&buf)
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.SessionFound(now.Add(90 * time.Second))
	d.SessionFound(now.Add(-time.Second))
	d.SessionFound(time.Time{})
	d.ResponseOK("GET", "/trips", 200, 1500*time.Microsecond)
	d.SignInRequired()
	d.Done("")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "Found existing session, access token valid for 1m 30s.", lines[0])
	assert.Contains(t, lines[1], "will refresh on use")
	assert.Equal(t, "Found existing session.", lines[2])
	assert.Equal(t, "GET /trips -> 200 (2ms)", lines[3])
	assert.Contains(t, lines[4], "login")
}

func TestPlainDisplayer_Banner(t *testing.T) {
	var buf bytes.Buffer
	NewPlainDisplayer(&buf).Banner()
	assert.NotEmpty(t, strings.TrimSpace(buf.String()))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: -time.Second, want: "0s"},
		{in: 0, want: "0s"},
		{in: 400 * time.Millisecond, want: "0s"},
		{in: 45 * time.Second, want: "45s"},
		{in: 61 * time.Second, want: "1m 1s"},
		{in: 2*time.Hour + 5*time.Minute + 9*time.Second, want: "2h 5m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
