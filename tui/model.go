package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the session countdown.
type tickMsg time.Time

// state represents the current phase of a CLI command.
type state int

const (
	stateInit           state = iota
	stateSigningIn            // password sign-in in flight
	stateRequesting           // backend calls in flight
	stateSignInRequired       // session torn down, user must sign in
	stateSuccess              // all done
	stateError                // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the travel CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Session info
	sessionExpiry time.Time
	remaining     time.Duration

	// Calls started but not yet finished
	inFlight int

	summary string
	errMsg  string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleNoticeBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 2)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.sessionExpiry.IsZero() {
			return m, nil
		}
		m.remaining = max(time.Until(m.sessionExpiry), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, "Found existing session")
		if msg.ExpiresAt.IsZero() {
			return m, nil
		}
		m.sessionExpiry = msg.ExpiresAt
		m.remaining = max(time.Until(msg.ExpiresAt), 0)
		if m.remaining == 0 {
			m.addStatus(statusWarn, "Access token expired, it will be refreshed on first use")
			return m, nil
		}
		return m, tickAfterSecond()

	case MsgSessionMissing:
		m.addStatus(statusInfo, "No session found")
		return m, nil

	case MsgSigningIn:
		m.state = stateSigningIn
		m.addStatus(statusInfo, "Signing in as "+msg.Email)
		return m, nil

	case MsgSignedIn:
		m.addStatus(statusOK, "Signed in, session stored in "+msg.Store)
		return m, nil

	case MsgSignInFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Sign-in failed: %v", msg.Err))
		return m, nil

	case MsgRequesting:
		m.inFlight++
		if m.state == stateInit {
			m.state = stateRequesting
		}
		return m, nil

	case MsgResponseOK:
		m.inFlight = max(m.inFlight-1, 0)
		m.addStatus(statusOK, fmt.Sprintf(
			"%s %s -> %d (%s)", msg.Method, msg.Path, msg.Status, msg.Took.Round(time.Millisecond),
		))
		return m, nil

	case MsgRequestFailed:
		m.inFlight = max(m.inFlight-1, 0)
		m.addStatus(statusWarn, fmt.Sprintf("%s %s failed: %v", msg.Method, msg.Path, msg.Err))
		return m, nil

	case MsgSessionRefreshed:
		m.addStatus(statusOK, "Access token refreshed")
		// The countdown belonged to the old token.
		m.sessionExpiry = time.Time{}
		m.remaining = 0
		return m, nil

	case MsgSessionExpired:
		m.addStatus(statusWarn, "Session expired: "+msg.Reason)
		return m, nil

	case MsgSignInRequired:
		m.state = stateSignInRequired
		m.sessionExpiry = time.Time{}
		m.remaining = 0
		return m, nil

	case MsgSignedOut:
		m.addStatus(statusOK, "Signed out")
		return m, nil

	case MsgDone:
		m.summary = msg.Summary
		if m.state != stateSignInRequired {
			m.state = stateSuccess
		}
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	case stateSignInRequired:
		return tea.NewView(m.viewSignInRequired())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while signing in or while calls are in flight.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Travel  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateSigningIn:
		b.WriteString(m.spinner.View())
		b.WriteString(" Signing in...\n")

	case stateRequesting:
		b.WriteString(m.spinner.View())
		fmt.Fprintf(&b, " Waiting for %d call(s)...", m.inFlight)
		if m.remaining > 0 {
			b.WriteString("  ")
			b.WriteString(styleDim.Render("token valid for " + formatDuration(m.remaining)))
		}
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Loading session...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the command finished.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Done"))
	b.WriteString("\n\n")

	if m.summary != "" {
		b.WriteString(styleBold.Render(m.summary))
		b.WriteString("\n")
	}
	if m.remaining > 0 {
		b.WriteString(styleDim.Render("Access token valid for " + formatDuration(m.remaining)))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSignInRequired is shown once the session has been torn down.
func (m Model) viewSignInRequired() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleNoticeBox.Render("  Signed out  "))
	b.WriteString("\n\n")
	b.WriteString(styleBold.Render("Your session expired. Run `login` to sign in again."))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
