package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Error is a transport-level failure: the request never produced an HTTP
// status (connection refused, timeout, TLS failure, truncated body).
type Error struct {
	Method string
	URI    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URI, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a transport-level failure.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// Query is one HTTP request/response exchange. It is owned by the Client
// from Submit until its completion callback runs; after that the response
// accessors may be used and the returned slices retained freely.
type Query struct {
	method      string
	uri         *url.URL
	body        []byte
	contentType string

	// Set on completion
	status    int
	header    http.Header
	respBody  []byte
	err       error
	submitted time.Time
	completed time.Time

	parts    []Part
	partsErr error
	decoded  bool

	// Client bookkeeping, guarded by the loop lock
	client    *Client
	cancel    context.CancelFunc
	cancelled bool
	done      func(*Query)
}

// NewQuery creates a query. body and contentType may be empty.
func NewQuery(method string, uri *url.URL, body []byte, contentType string) *Query {
	return &Query{
		method:      method,
		uri:         uri,
		body:        body,
		contentType: contentType,
	}
}

// Method returns the request method.
func (q *Query) Method() string { return q.method }

// URI returns the request URI.
func (q *Query) URI() *url.URL { return q.uri }

// RequestBody returns the request body.
func (q *Query) RequestBody() []byte { return q.body }

// Err returns the transport error, if any. A non-nil Err means Status
// carries no information.
func (q *Query) Err() error { return q.err }

// Status returns the HTTP status code, or 0 on transport error.
func (q *Query) Status() int { return q.status }

// Header returns the response headers.
func (q *Query) Header() http.Header { return q.header }

// ResponseHeader returns one response header value.
func (q *Query) ResponseHeader(name string) string {
	if q.header == nil {
		return ""
	}
	return q.header.Get(name)
}

// ContentType returns the response Content-Type.
func (q *Query) ContentType() string { return q.ResponseHeader("Content-Type") }

// Body returns the response body.
func (q *Query) Body() []byte { return q.respBody }

// Submitted returns the time the query was submitted.
func (q *Query) Submitted() time.Time { return q.submitted }

// Duration returns how long the query took to complete.
func (q *Query) Duration() time.Duration {
	if q.completed.IsZero() {
		return 0
	}
	return q.completed.Sub(q.submitted)
}

// IsMultipart reports whether the response is a multipart body.
func (q *Query) IsMultipart() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(q.ContentType())), "multipart/")
}

// Parts decodes the response as multipart on first use.
func (q *Query) Parts() ([]Part, error) {
	if !q.decoded {
		q.decoded = true
		q.parts, q.partsErr = DecodeMultipart(q.ContentType(), q.respBody)
	}
	return q.parts, q.partsErr
}

// buildRequest makes the net/http request. The Host header is set to the
// target host explicitly and the connection is closed after the exchange.
func (q *Query) buildRequest(ctx context.Context) (*http.Request, error) {
	var body *bytes.Reader
	if q.body != nil {
		body = bytes.NewReader(q.body)
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, q.method, q.uri.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, q.method, q.uri.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	req.Host = q.uri.Host
	req.Close = true
	if q.contentType != "" {
		req.Header.Set("Content-Type", q.contentType)
	}
	return req, nil
}

// release drops everything the query holds.
func (q *Query) release() {
	q.body = nil
	q.respBody = nil
	q.header = nil
	q.parts = nil
	q.done = nil
	q.client = nil
}
