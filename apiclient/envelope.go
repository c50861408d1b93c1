package apiclient

import (
	"bytes"
	"context"
	"net/http"
	"time"
)

// Request describes a call against the travel backend. Path is resolved
// against Config.BaseURL.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response is a successful (2xx/3xx) backend answer.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Duration time.Duration
}

// Envelope is the per-call state flowing through the pipeline. It lives for
// exactly one Client.Do call.
type Envelope struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	StartTime time.Time
	RequestID string

	// RetriedForAuth flips to true at most once, when the envelope is
	// replayed after a token refresh.
	RetriedForAuth bool
	// RetriedTransient is set once a send used the single transient retry.
	// It is never reset for the envelope.
	RetriedTransient bool

	// trace is filled in by the counting transport on every attempt.
	trace attemptTrace
}

// attemptTrace records what the transport saw for one send.
type attemptTrace struct {
	attempts   int
	lastStatus int
}

func newEnvelope(baseURL string, req *Request) *Envelope {
	header := make(http.Header, len(req.Header)+3)
	for k, v := range req.Header {
		header[k] = append([]string(nil), v...)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return &Envelope{
		Method: method,
		URL:    baseURL + req.Path,
		Header: header,
		Body:   req.Body,
	}
}

// httpRequest builds a fresh *http.Request for one send. The body reader is
// a bytes.Reader so GetBody is set and the retry client can rewind it.
func (e *Envelope) httpRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if e.Body != nil {
		body = bytes.NewReader(e.Body)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, e.Method, e.URL, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, e.Method, e.URL, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header = e.Header.Clone()
	return req, nil
}
