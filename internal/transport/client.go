// Package transport executes HTTP queries asynchronously on behalf of the
// event loop. Requests run on their own goroutines; completions are
// delivered back on the loop goroutine.
package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mzyy94/airscan/internal/eloop"
)

// DefaultTimeout bounds one query, including reading the response body.
const DefaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	Timeout   time.Duration
	Transport http.RoundTripper // nil means http.DefaultTransport
	Logger    *slog.Logger
}

// Client submits queries and tracks the ones in flight. All methods except
// NewClient must be called with the loop's global lock held.
type Client struct {
	loop *eloop.Loop
	hc   *http.Client
	log  *slog.Logger

	pending     map[*Query]struct{}
	maxPending  int
	submissions int
}

// NewClient creates a Client whose completions run on loop.
func NewClient(loop *eloop.Loop, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		loop: loop,
		hc: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			// eSCL job locations are never redirected; surface 3xx as-is
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:     opts.Logger,
		pending: make(map[*Query]struct{}),
	}
}

// Submit starts q. done runs on the loop goroutine when the query
// completes, unless the query is cancelled first.
func (c *Client) Submit(q *Query, done func(*Query)) {
	ctx, cancel := context.WithCancel(context.Background())
	q.client = c
	q.cancel = cancel
	q.done = done
	q.submitted = time.Now()

	c.pending[q] = struct{}{}
	c.submissions++
	if n := len(c.pending); n > c.maxPending {
		c.maxPending = n
	}
	queriesInFlight.Inc()

	req, err := q.buildRequest(ctx)
	c.log.Debug("http query submitted", "method", q.method, "uri", q.uri.String())
	go c.run(q, req, err)
}

func (c *Client) run(q *Query, req *http.Request, err error) {
	var (
		status int
		header http.Header
		body   []byte
	)
	if err == nil {
		var resp *http.Response
		resp, err = c.hc.Do(req)
		if err == nil {
			status = resp.StatusCode
			header = resp.Header
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()
		}
	}

	c.loop.Call(func() {
		if q.cancelled {
			return
		}
		c.complete(q, status, header, body, err)
	})
}

func (c *Client) complete(q *Query, status int, header http.Header, body []byte, err error) {
	delete(c.pending, q)
	queriesInFlight.Dec()
	q.cancel()

	q.completed = time.Now()
	outcome := strconv.Itoa(status)
	if err != nil {
		q.err = &Error{Method: q.method, URI: q.uri.String(), Err: err}
		outcome = "error"
	} else {
		q.status = status
		q.header = header
		q.respBody = body
	}
	queriesTotal.WithLabelValues(q.method, outcome).Inc()
	queryDuration.WithLabelValues(q.method).Observe(q.Duration().Seconds())

	if q.err != nil {
		c.log.Debug("http query failed", "method", q.method, "uri", q.uri.String(), "err", q.err)
	} else {
		c.log.Debug("http query done", "method", q.method, "uri", q.uri.String(),
			"status", q.status, "bytes", len(q.respBody), "duration", q.Duration().Round(time.Millisecond))
	}

	done := q.done
	q.done = nil
	q.client = nil
	if done != nil {
		done(q)
	}
}

// Cancel aborts q. Once Cancel returns the completion callback will not
// run and the query's buffers are released. Cancelling a completed or
// already cancelled query is a no-op.
func (c *Client) Cancel(q *Query) {
	if q == nil || q.cancelled || q.client != c {
		return
	}
	q.cancelled = true
	q.cancel()
	delete(c.pending, q)
	queriesInFlight.Dec()
	queriesTotal.WithLabelValues(q.method, "cancelled").Inc()
	c.log.Debug("http query cancelled", "method", q.method, "uri", q.uri.String())
	q.release()
}

// CancelAll cancels every pending query.
func (c *Client) CancelAll() {
	for q := range c.pending {
		c.Cancel(q)
	}
}

// Pending returns the number of queries in flight.
func (c *Client) Pending() int { return len(c.pending) }

// MaxPending returns the highest number of simultaneously pending queries
// observed over the client's lifetime.
func (c *Client) MaxPending() int { return c.maxPending }

// Submissions returns the total number of queries submitted.
func (c *Client) Submissions() int { return c.submissions }
