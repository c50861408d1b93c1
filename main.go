package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/go-authgate/travel-client/tui"
)

var (
	serverURL         string
	tokenStoreKind    string
	tokenFile         string
	redisURL          string
	eventBus          string
	deviceID          string
	requestTimeout    time.Duration
	logLevel          string
	metricsFile       string
	flagServerURL     *string
	flagTokenStore    *string
	flagTokenFile     *string
	flagRedisURL      *string
	flagEventBus      *string
	flagDeviceID      *string
	flagTimeout       *string
	flagLogLevel      *string
	flagMetricsFile   *string
	configInitialized bool
)

const defaultRequestTimeout = 10 * time.Second

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"Travel backend URL (default: http://localhost:3000 or SERVER_URL env)",
	)
	flagTokenStore = flag.String(
		"token-store",
		"",
		"Session storage: file, redis or memory (default: file or TOKEN_STORE env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Session file for the file store (default: .travel-session.json or TOKEN_FILE env)",
	)
	flagRedisURL = flag.String(
		"redis-url",
		"",
		"Redis URL for the redis store and event bus (default: redis://localhost:6379/0 or REDIS_URL env)",
	)
	flagEventBus = flag.String(
		"event-bus",
		"",
		"Session event fan-out: local or redis (default: local or EVENT_BUS env)",
	)
	flagDeviceID = flag.String(
		"device-id",
		"",
		"Device ID sent as X-Device-ID (default: derived from the server URL or DEVICE_ID env)",
	)
	flagTimeout = flag.String("timeout", "", "Per-attempt request timeout (default: 10s or REQUEST_TIMEOUT env)")
	flagLogLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL env)")
	flagMetricsFile = flag.String("metrics-file", "", "Write client metrics to this file on exit (or METRICS_FILE env)")
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Usage = usage
	flag.Parse()

	// Priority: flag > env > default
	serverURL = getConfig(*flagServerURL, "SERVER_URL", "http://localhost:3000")
	tokenStoreKind = getConfig(*flagTokenStore, "TOKEN_STORE", storeFile)
	tokenFile = getConfig(*flagTokenFile, "TOKEN_FILE", ".travel-session.json")
	redisURL = getConfig(*flagRedisURL, "REDIS_URL", "redis://localhost:6379/0")
	eventBus = getConfig(*flagEventBus, "EVENT_BUS", busLocal)
	deviceID = getConfig(*flagDeviceID, "DEVICE_ID", "")
	logLevel = getConfig(*flagLogLevel, "LOG_LEVEL", "")
	metricsFile = getConfig(*flagMetricsFile, "METRICS_FILE", "")

	// Validate SERVER_URL format
	if err := validateServerURL(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid SERVER_URL: %v\n", err)
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	timeout, err := parseTimeout(getConfig(*flagTimeout, "REQUEST_TIMEOUT", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REQUEST_TIMEOUT: %v\n", err)
		os.Exit(1)
	}
	requestTimeout = timeout

	if deviceID == "" {
		deviceID = defaultDeviceID(serverURL)
	} else if _, err := uuid.Parse(deviceID); err != nil {
		// Validate DEVICE_ID format (should be UUID)
		fmt.Fprintf(
			os.Stderr,
			"⚠️  Warning: DEVICE_ID doesn't appear to be a valid UUID: %s\n",
			deviceID,
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  The backend may reject requests if it expects UUID format.",
		)
		fmt.Fprintln(os.Stderr)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <command> [args]\n\n", os.Args[0])
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  login -email <email> -password <password>   sign in and store the session")
	fmt.Fprintln(out, "  logout                                      end the session")
	fmt.Fprintln(out, "  session                                     show the stored session (default)")
	fmt.Fprintln(out, "  profile | trips | services                  fetch one resource")
	fmt.Fprintln(out, "  dashboard                                   fetch profile, trips and services together")
	fmt.Fprintln(out, "  get <path>                                  GET any backend path")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// parseTimeout accepts a Go duration ("15s") or a number of seconds ("15").
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultRequestTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("not a duration: %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}

// defaultDeviceID is stable per backend so a session stored under it is
// found again on the next run.
func defaultDeviceID(server string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimRight(server, "/"))).String()
}

// newLogger writes human-readable logs to w. An empty level disables logging
// unless fallback is set.
func newLogger(w io.Writer, level, fallback string) zerolog.Logger {
	if level == "" {
		level = fallback
	}
	if level == "" {
		return zerolog.Nop()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func currentConfig() appConfig {
	return appConfig{
		ServerURL:   serverURL,
		TokenStore:  tokenStoreKind,
		TokenFile:   tokenFile,
		RedisURL:    redisURL,
		EventBus:    eventBus,
		DeviceID:    deviceID,
		Timeout:     requestTimeout,
		MetricsFile: metricsFile,
	}
}

func main() {
	initConfig()
	cfg := currentConfig()
	args := flag.Args()

	if isTTY() {
		// Logs would tear the TUI; only show them when asked for.
		logger := newLogger(os.Stderr, logLevel, "")

		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(cfg, args, d, logger, os.Stdout)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		logger := newLogger(os.Stderr, logLevel, "warn")
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(cfg, args, d, logger, os.Stdout); err != nil {
			os.Exit(1)
		}
	}
}

func run(cfg appConfig, args []string, d tui.Displayer, logger zerolog.Logger, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, d, logger, out)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.Close()

	return a.Run(ctx, args)
}
