package apiclient

import (
	"context"
	"errors"
	"net/http"
)

type traceKey struct{}

func withTrace(ctx context.Context, tr *attemptTrace) context.Context {
	return context.WithValue(ctx, traceKey{}, tr)
}

// countingTransport records each attempt the retry client makes so the
// pipeline can tell a retried 5xx from a network failure.
type countingTransport struct {
	next    http.RoundTripper
	metrics *Metrics
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)

	t.metrics.TransportAttempts.Inc()
	// Attempts of one send run sequentially on the caller's goroutine.
	if tr, ok := req.Context().Value(traceKey{}).(*attemptTrace); ok {
		tr.attempts++
		if resp != nil {
			tr.lastStatus = resp.StatusCode
		}
	}
	return resp, err
}

// isTransient is the retry predicate: connection-level failures, client
// timeouts and 5xx. A 401 is never retried here; it belongs to the auth
// replay path.
func isTransient(err error, resp *http.Response) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}
